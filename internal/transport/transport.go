// Package transport implements the byte-stream boundary between cluster
// members: a framed TCP server and a client with sequence-correlated
// in-flight calls.
//
// The contract is deliberately narrow: frames are delivered reliably and in
// order per peer connection, and the transport never retries a call on its
// own. Retry policy belongs to the dispatcher.
package transport

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// frameHeaderLength is the byte length of the frame header: a uint32
	// payload length followed by a uint64 call sequence number.
	frameHeaderLength = 4 + 8

	// maxFrameLength bounds a single frame payload. Oversized frames
	// indicate a corrupt stream or a misbehaving peer and tear the
	// connection down.
	maxFrameLength = 16 * 1024 * 1024
)

var (
	// ErrClosed is returned for calls against a closed client.
	ErrClosed = errors.New("the transport client has been closed")

	// ErrUnavailable is returned when the peer cannot be reached or the
	// connection fails mid-call.
	ErrUnavailable = errors.New("the transport peer is unavailable")
)

// writeFrame writes one [length][seq][payload] frame as a single Write so
// concurrent writers never interleave partial frames.
func writeFrame(w io.Writer, seq uint64, payload []byte) error {
	buf := make([]byte, frameHeaderLength+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[4:12], seq)
	copy(buf[frameHeaderLength:], payload)

	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// readFrame reads one frame from r.
func readFrame(r io.Reader) (uint64, []byte, error) {
	header := make([]byte, frameHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	seq := binary.BigEndian.Uint64(header[4:12])

	if length > maxFrameLength {
		return 0, nil, errors.Errorf("frame of %d bytes exceeds the %d byte limit", length, maxFrameLength)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	return seq, payload, nil
}
