package codec

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateCodecID is returned when two codecs are registered under
	// the same codec id.
	ErrDuplicateCodecID = errors.New("a codec with the provided id has already been registered")

	// ErrUnknownCodecID is returned when a payload carries a codec id that
	// no registered codec is bound to.
	ErrUnknownCodecID = errors.New("no codec has been registered for the provided id")

	// ErrRegistryFrozen is returned when a codec is registered after the
	// registry has been frozen.
	ErrRegistryFrozen = errors.New("the codec registry is frozen and no longer accepts registrations")

	// ErrUntaggedType is returned when a value has no codec id associated
	// with its type.
	ErrUntaggedType = errors.New("no codec id is associated with the type of the provided value")

	// ErrStringTooLong is returned when a string exceeds the 65535 bytes
	// its uint16 length prefix can express.
	ErrStringTooLong = errors.New("the string exceeds the maximum encodable length of 65535 bytes")
)

// ID uniquely identifies a serializable type across the whole cluster.
//
// IDs are written on the wire ahead of every payload, so they must remain
// stable across server versions.
type ID uint16

// Codec ids. New ids must be appended within their group and existing ids
// must never be renumbered.
const (
	IDPrimitiveBool ID = iota
	IDPrimitiveInt8
	IDPrimitiveInt16
	IDPrimitiveInt32
	IDPrimitiveInt64
	IDPrimitiveFloat32
	IDPrimitiveFloat64
	IDString
	IDVoid
)

const (
	IDStringMap ID = iota + 50
	IDInt64Slice
)

const (
	IDRequestSetUserOffline ID = iota + 200
	IDRequestQueryUserOnlineStatus
	IDRequestCountOnlineUsers
)

// Codec serializes and deserializes the values of exactly one data type.
type Codec interface {

	// ID returns the stable identifier of the codec's data type.
	ID() ID

	// Write appends the encoded form of data to out. The codec id tag is
	// written by the Registry, not by the codec.
	Write(out *bytes.Buffer, data interface{}) error

	// Read decodes one value from in.
	Read(in *bytes.Reader) (interface{}, error)

	// InitialCapacity returns an advisory pre-allocation size, in bytes,
	// for the encoded form of data. Fixed-width codecs return exactly the
	// byte width of their type.
	InitialCapacity(data interface{}) int
}

// Identifiable tags a struct type with its codec id so the Registry can
// resolve the codec for a value without reflection.
type Identifiable interface {
	CodecID() ID
}

// Registry maps codec ids to codecs.
//
// The registry follows a build-then-freeze discipline: all codecs are
// registered at startup, Freeze is called once, and from then on lookups
// are lock-free reads of an immutable map.
type Registry struct {
	mu     sync.Mutex
	frozen bool
	codecs map[ID]Codec
}

// NewRegistry returns a Registry pre-populated with the primitive codecs.
func NewRegistry() *Registry {
	r := &Registry{
		codecs: map[ID]Codec{},
	}

	for _, c := range []Codec{
		boolCodec{},
		int8Codec{},
		int16Codec{},
		int32Codec{},
		int64Codec{},
		float32Codec{},
		float64Codec{},
		stringCodec{},
		voidCodec{},
		stringMapCodec{},
		int64SliceCodec{},
	} {
		r.codecs[c.ID()] = c
	}

	return r
}

// Register binds the codec to its id. Registering two codecs under the same
// id fails with ErrDuplicateCodecID, and registering after Freeze fails with
// ErrRegistryFrozen.
func (r *Registry) Register(c Codec) error {
	defer r.mu.Unlock()
	r.mu.Lock()

	if r.frozen {
		return ErrRegistryFrozen
	}

	if _, ok := r.codecs[c.ID()]; ok {
		return fmt.Errorf("codec id '%d': %w", c.ID(), ErrDuplicateCodecID)
	}

	r.codecs[c.ID()] = c
	return nil
}

// MustRegister registers the codec or panics. Codec registration happens at
// startup where a duplicate id is a programming error.
func (r *Registry) MustRegister(c Codec) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Freeze marks the end of the registration phase. After Freeze the registry
// rejects further registrations and lookups require no locking.
func (r *Registry) Freeze() {
	defer r.mu.Unlock()
	r.mu.Lock()
	r.frozen = true
}

// Get returns the codec bound to the id or ErrUnknownCodecID.
func (r *Registry) Get(id ID) (Codec, error) {
	c, ok := r.codecs[id]
	if !ok {
		return nil, fmt.Errorf("codec id '%d': %w", id, ErrUnknownCodecID)
	}
	return c, nil
}

// Encode appends the id-tagged encoded form of v to buf. The payload is
// self-describing: a decoder reads the id first and dispatches on it.
func (r *Registry) Encode(buf *bytes.Buffer, v interface{}) error {
	id, ok := idForValue(v)
	if !ok {
		return fmt.Errorf("%T: %w", v, ErrUntaggedType)
	}

	c, err := r.Get(id)
	if err != nil {
		return err
	}

	WriteUint16(buf, uint16(id))
	return c.Write(buf, v)
}

// Marshal encodes v into a freshly allocated buffer pre-sized with the
// codec's initial capacity hint.
func (r *Registry) Marshal(v interface{}) ([]byte, error) {
	id, ok := idForValue(v)
	if !ok {
		return nil, fmt.Errorf("%T: %w", v, ErrUntaggedType)
	}

	c, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, idByteLength+c.InitialCapacity(v)))
	WriteUint16(buf, uint16(id))
	if err := c.Write(buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads one id-tagged value from in. An unknown id yields
// ErrUnknownCodecID; the message is rejected but the decoder stays usable.
func (r *Registry) Decode(in *bytes.Reader) (ID, interface{}, error) {
	raw, err := ReadUint16(in)
	if err != nil {
		return 0, nil, err
	}

	id := ID(raw)
	c, err := r.Get(id)
	if err != nil {
		return id, nil, err
	}

	v, err := c.Read(in)
	return id, v, err
}

// Unmarshal decodes one id-tagged value from b.
func (r *Registry) Unmarshal(b []byte) (ID, interface{}, error) {
	return r.Decode(bytes.NewReader(b))
}

const idByteLength = 2

// idForValue resolves the codec id for a value from its static type. Simple
// types are tagged by a type switch and struct types tag themselves through
// the Identifiable interface.
func idForValue(v interface{}) (ID, bool) {
	switch v.(type) {
	case nil:
		return IDVoid, true
	case bool:
		return IDPrimitiveBool, true
	case int8:
		return IDPrimitiveInt8, true
	case int16:
		return IDPrimitiveInt16, true
	case int32:
		return IDPrimitiveInt32, true
	case int64:
		return IDPrimitiveInt64, true
	case float32:
		return IDPrimitiveFloat32, true
	case float64:
		return IDPrimitiveFloat64, true
	case string:
		return IDString, true
	case map[string]string:
		return IDStringMap, true
	case []int64:
		return IDInt64Slice, true
	}

	if i, ok := v.(Identifiable); ok {
		return i.CodecID(), true
	}

	return 0, false
}
