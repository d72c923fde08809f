package embedkv

import (
	"encoding/binary"
	"fmt"
	"io"
)

// stringCodec and int64Codec are minimal fixture codecs for the engine's
// own tests. Concrete scalar serializers are deliberately out of scope
// for the core (spec section 1); these exist only so the test suite has
// something concrete to hand CreateTree.

type stringCodec struct{}

func (stringCodec) Serialize(dst []byte, v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("stringCodec: expected string, got %T", v)
	}
	dst = appendInt32(dst, int32(len(s)))
	return append(dst, s...), nil
}

func (stringCodec) DeserializeBytes(buf []byte, start int) (any, int, error) {
	n, consumed, err := readInt32(buf, start)
	if err != nil {
		return nil, 0, err
	}
	off := start + consumed
	return string(buf[off : off+int(n)]), consumed + int(n), nil
}

func (c stringCodec) DeserializeReader(r io.Reader) (any, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int32(binary.BigEndian.Uint32(lenBuf[:]))
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return string(buf), nil
}

func (stringCodec) Compare(a, b any) int {
	x, y := a.(string), b.(string)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

type int64Codec struct{}

func (int64Codec) Serialize(dst []byte, v any) ([]byte, error) {
	n, ok := v.(int64)
	if !ok {
		return nil, fmt.Errorf("int64Codec: expected int64, got %T", v)
	}
	return appendInt64(dst, n), nil
}

func (int64Codec) DeserializeBytes(buf []byte, start int) (any, int, error) {
	n, consumed, err := readInt64(buf, start)
	if err != nil {
		return nil, 0, err
	}
	return n, consumed, nil
}

func (c int64Codec) DeserializeReader(r io.Reader) (any, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func (int64Codec) Compare(a, b any) int {
	x, y := a.(int64), b.(int64)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}
