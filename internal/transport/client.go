package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Caller is the send-and-receive primitive the dispatcher requires of every
// peer client.
type Caller interface {

	// Call sends the payload to the peer and waits for the correlated
	// reply or the expiry of ctx.
	Call(ctx context.Context, payload []byte) ([]byte, error)

	// Drain rejects new calls but keeps the connection open until every
	// in-flight call has completed or timed out. The eviction path uses
	// it so removing a member never cancels work already dispatched.
	Drain()

	// Close tears down the connection and fails any in-flight calls.
	Close() error
}

type pendingCall struct {
	reply []byte
	err   error
}

// Client multiplexes concurrent calls over one framed TCP connection to a
// single peer. Calls are correlated by a monotonically increasing sequence
// number; the peer echoes the sequence back with its reply.
type Client struct {
	addr        string
	dialTimeout time.Duration

	mu       sync.Mutex
	conn     net.Conn
	seq      uint64
	pending  map[uint64]chan pendingCall
	closed   bool
	draining bool
}

var _ Caller = &Client{}

// NewClient returns a Client for the peer at addr. The connection is dialed
// lazily on the first call and redialed after failures.
func NewClient(addr string, dialTimeout time.Duration) *Client {
	return &Client{
		addr:        addr,
		dialTimeout: dialTimeout,
		pending:     map[uint64]chan pendingCall{},
	}
}

// Call implements Caller.
//
// The call is never retried here. A connection failure surfaces as
// ErrUnavailable and the dispatcher decides what to do about it.
func (c *Client) Call(ctx context.Context, payload []byte) ([]byte, error) {

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			c.mu.Unlock()
			return nil, errors.Wrapf(ErrUnavailable, "failed to connect to '%s': %v", c.addr, err)
		}
	}

	c.seq++
	seq := c.seq
	replyCh := make(chan pendingCall, 1)
	c.pending[seq] = replyCh
	conn := c.conn
	c.mu.Unlock()

	if err := writeFrame(conn, seq, payload); err != nil {
		c.failConn(conn, err)
		return nil, errors.Wrapf(ErrUnavailable, "failed to send to '%s': %v", c.addr, err)
	}

	select {
	case res := <-replyCh:
		return res.reply, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, seq)
		idleConn := c.finishDrainLocked()
		c.mu.Unlock()

		if idleConn != nil {
			idleConn.Close()
		}
		return nil, ctx.Err()
	}
}

// Drain implements Caller. New calls fail with ErrClosed immediately, but
// the connection stays open until the last in-flight call has completed or
// timed out.
func (c *Client) Drain() {
	c.mu.Lock()
	c.closed = true
	c.draining = true
	idleConn := c.finishDrainLocked()
	c.mu.Unlock()

	if idleConn != nil {
		idleConn.Close()
	}
}

// finishDrainLocked hands back the connection of a draining client with no
// in-flight calls left, for the caller to close outside the lock. The caller
// must hold c.mu.
func (c *Client) finishDrainLocked() net.Conn {
	if !c.draining || len(c.pending) != 0 || c.conn == nil {
		return nil
	}

	conn := c.conn
	c.conn = nil
	return conn
}

// Close implements Caller.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	for seq, ch := range c.pending {
		ch <- pendingCall{err: ErrClosed}
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// connectLocked dials the peer with exponential backoff bounded by ctx.
// The caller must hold c.mu.
func (c *Client) connectLocked(ctx context.Context) error {

	policy := backoff.WithContext(newDialBackOff(), ctx)

	var conn net.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, err = net.DialTimeout("tcp", c.addr, c.dialTimeout)
		return err
	}, policy)
	if err != nil {
		return err
	}

	c.conn = conn
	go c.readLoop(conn)

	return nil
}

func newDialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

// readLoop routes reply frames to their pending calls until the connection
// fails.
func (c *Client) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)

	for {
		seq, payload, err := readFrame(reader)
		if err != nil {
			c.failConn(conn, err)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[seq]
		delete(c.pending, seq)
		idleConn := c.finishDrainLocked()
		c.mu.Unlock()

		if idleConn != nil {
			idleConn.Close()
		}

		if !ok {
			// The call was abandoned on timeout before the reply arrived.
			log.Tracef("Dropping a reply frame for unknown call sequence '%d' from '%s'", seq, c.addr)
			continue
		}

		ch <- pendingCall{reply: payload}
	}
}

// failConn tears down the connection and fails every in-flight call so no
// caller is left waiting on a dead peer.
func (c *Client) failConn(conn net.Conn, cause error) {
	conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.conn = nil
	}

	for seq, ch := range c.pending {
		ch <- pendingCall{err: errors.Wrapf(ErrUnavailable, "connection to '%s' failed: %v", c.addr, cause)}
		delete(c.pending, seq)
	}
}
