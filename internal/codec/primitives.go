package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// Fixed-width big-endian helpers shared by the codecs in this package and by
// the request codecs layered on top of it.

// WriteUint16 appends v to out in big-endian byte order.
func WriteUint16(out *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	out.Write(b[:])
}

func WriteUint32(out *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	out.Write(b[:])
}

func WriteUint64(out *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	out.Write(b[:])
}

func ReadUint16(in *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func ReadUint32(in *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func ReadUint64(in *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// WriteString appends a uint16 length-prefixed UTF-8 string to out. A
// string longer than the prefix can express fails with ErrStringTooLong
// rather than truncating on the wire.
func WriteString(out *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%d bytes: %w", len(s), ErrStringTooLong)
	}

	WriteUint16(out, uint16(len(s)))
	out.WriteString(s)
	return nil
}

// ReadString reads a uint16 length-prefixed UTF-8 string from in.
func ReadString(in *bytes.Reader) (string, error) {
	n, err := ReadUint16(in)
	if err != nil {
		return "", err
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(in, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func typeError(c Codec, data interface{}) error {
	return fmt.Errorf("codec id '%d' cannot encode a value of type %T", c.ID(), data)
}

type boolCodec struct{}

func (boolCodec) ID() ID { return IDPrimitiveBool }

func (c boolCodec) Write(out *bytes.Buffer, data interface{}) error {
	v, ok := data.(bool)
	if !ok {
		return typeError(c, data)
	}

	if v {
		out.WriteByte(1)
	} else {
		out.WriteByte(0)
	}
	return nil
}

func (boolCodec) Read(in *bytes.Reader) (interface{}, error) {
	b, err := in.ReadByte()
	if err != nil {
		return nil, err
	}
	return b != 0, nil
}

func (boolCodec) InitialCapacity(interface{}) int { return 1 }

type int8Codec struct{}

func (int8Codec) ID() ID { return IDPrimitiveInt8 }

func (c int8Codec) Write(out *bytes.Buffer, data interface{}) error {
	v, ok := data.(int8)
	if !ok {
		return typeError(c, data)
	}
	out.WriteByte(byte(v))
	return nil
}

func (int8Codec) Read(in *bytes.Reader) (interface{}, error) {
	b, err := in.ReadByte()
	if err != nil {
		return nil, err
	}
	return int8(b), nil
}

func (int8Codec) InitialCapacity(interface{}) int { return 1 }

type int16Codec struct{}

func (int16Codec) ID() ID { return IDPrimitiveInt16 }

func (c int16Codec) Write(out *bytes.Buffer, data interface{}) error {
	v, ok := data.(int16)
	if !ok {
		return typeError(c, data)
	}
	WriteUint16(out, uint16(v))
	return nil
}

func (int16Codec) Read(in *bytes.Reader) (interface{}, error) {
	v, err := ReadUint16(in)
	if err != nil {
		return nil, err
	}
	return int16(v), nil
}

func (int16Codec) InitialCapacity(interface{}) int { return 2 }

type int32Codec struct{}

func (int32Codec) ID() ID { return IDPrimitiveInt32 }

func (c int32Codec) Write(out *bytes.Buffer, data interface{}) error {
	v, ok := data.(int32)
	if !ok {
		return typeError(c, data)
	}
	WriteUint32(out, uint32(v))
	return nil
}

func (int32Codec) Read(in *bytes.Reader) (interface{}, error) {
	v, err := ReadUint32(in)
	if err != nil {
		return nil, err
	}
	return int32(v), nil
}

func (int32Codec) InitialCapacity(interface{}) int { return 4 }

type int64Codec struct{}

func (int64Codec) ID() ID { return IDPrimitiveInt64 }

func (c int64Codec) Write(out *bytes.Buffer, data interface{}) error {
	v, ok := data.(int64)
	if !ok {
		return typeError(c, data)
	}
	WriteUint64(out, uint64(v))
	return nil
}

func (int64Codec) Read(in *bytes.Reader) (interface{}, error) {
	v, err := ReadUint64(in)
	if err != nil {
		return nil, err
	}
	return int64(v), nil
}

func (int64Codec) InitialCapacity(interface{}) int { return 8 }

type float32Codec struct{}

func (float32Codec) ID() ID { return IDPrimitiveFloat32 }

func (c float32Codec) Write(out *bytes.Buffer, data interface{}) error {
	v, ok := data.(float32)
	if !ok {
		return typeError(c, data)
	}
	WriteUint32(out, math.Float32bits(v))
	return nil
}

func (float32Codec) Read(in *bytes.Reader) (interface{}, error) {
	v, err := ReadUint32(in)
	if err != nil {
		return nil, err
	}
	return math.Float32frombits(v), nil
}

func (float32Codec) InitialCapacity(interface{}) int { return 4 }

type float64Codec struct{}

func (float64Codec) ID() ID { return IDPrimitiveFloat64 }

func (c float64Codec) Write(out *bytes.Buffer, data interface{}) error {
	v, ok := data.(float64)
	if !ok {
		return typeError(c, data)
	}
	WriteUint64(out, math.Float64bits(v))
	return nil
}

func (float64Codec) Read(in *bytes.Reader) (interface{}, error) {
	v, err := ReadUint64(in)
	if err != nil {
		return nil, err
	}
	return math.Float64frombits(v), nil
}

func (float64Codec) InitialCapacity(interface{}) int { return 8 }

type stringCodec struct{}

func (stringCodec) ID() ID { return IDString }

func (c stringCodec) Write(out *bytes.Buffer, data interface{}) error {
	v, ok := data.(string)
	if !ok {
		return typeError(c, data)
	}
	return WriteString(out, v)
}

func (stringCodec) Read(in *bytes.Reader) (interface{}, error) {
	return ReadString(in)
}

func (stringCodec) InitialCapacity(data interface{}) int {
	if s, ok := data.(string); ok {
		return 2 + len(s)
	}
	return 2
}

// voidCodec encodes the absence of a value. It is used for requests whose
// handlers produce no result.
type voidCodec struct{}

func (voidCodec) ID() ID { return IDVoid }

func (c voidCodec) Write(out *bytes.Buffer, data interface{}) error {
	if data != nil {
		return typeError(c, data)
	}
	return nil
}

func (voidCodec) Read(*bytes.Reader) (interface{}, error) { return nil, nil }

func (voidCodec) InitialCapacity(interface{}) int { return 0 }

// stringMapCodec encodes a map[string]string with sorted keys so that equal
// maps produce identical bytes.
type stringMapCodec struct{}

func (stringMapCodec) ID() ID { return IDStringMap }

func (c stringMapCodec) Write(out *bytes.Buffer, data interface{}) error {
	m, ok := data.(map[string]string)
	if !ok {
		return typeError(c, data)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	WriteUint16(out, uint16(len(keys)))
	for _, k := range keys {
		if err := WriteString(out, k); err != nil {
			return err
		}
		if err := WriteString(out, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func (stringMapCodec) Read(in *bytes.Reader) (interface{}, error) {
	n, err := ReadUint16(in)
	if err != nil {
		return nil, err
	}

	m := make(map[string]string, n)
	for i := 0; i < int(n); i++ {
		k, err := ReadString(in)
		if err != nil {
			return nil, err
		}
		v, err := ReadString(in)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func (stringMapCodec) InitialCapacity(data interface{}) int {
	size := 2
	if m, ok := data.(map[string]string); ok {
		for k, v := range m {
			size += 4 + len(k) + len(v)
		}
	}
	return size
}

type int64SliceCodec struct{}

func (int64SliceCodec) ID() ID { return IDInt64Slice }

func (c int64SliceCodec) Write(out *bytes.Buffer, data interface{}) error {
	vs, ok := data.([]int64)
	if !ok {
		return typeError(c, data)
	}

	WriteUint32(out, uint32(len(vs)))
	for _, v := range vs {
		WriteUint64(out, uint64(v))
	}
	return nil
}

func (int64SliceCodec) Read(in *bytes.Reader) (interface{}, error) {
	n, err := ReadUint32(in)
	if err != nil {
		return nil, err
	}

	vs := make([]int64, n)
	for i := range vs {
		v, err := ReadUint64(in)
		if err != nil {
			return nil, err
		}
		vs[i] = int64(v)
	}
	return vs, nil
}

func (int64SliceCodec) InitialCapacity(data interface{}) int {
	if vs, ok := data.([]int64); ok {
		return 4 + 8*len(vs)
	}
	return 4
}
