package embedkv

import (
	"encoding/binary"
	"fmt"
)

// binfmt.go holds the small big-endian framing helpers the page codecs
// (leaf.go, node.go, valueholder.go, header.go) share: fixed-width
// integers and length-prefixed byte fields, matching spec section 4.4's
// "4-byte length followed by that many ... bytes" records.

func appendInt32(buf []byte, v int32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	return append(buf, tmp[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendBytesField(buf []byte, v []byte) []byte {
	buf = appendInt32(buf, int32(len(v)))
	return append(buf, v...)
}

func readInt32(buf []byte, off int) (int32, int, error) {
	if off+4 > len(buf) {
		return 0, 0, newErr(ErrKindCorrupt, "readInt32", nil, fmt.Errorf("truncated at offset %d", off))
	}
	return int32(binary.BigEndian.Uint32(buf[off : off+4])), 4, nil
}

func readInt64(buf []byte, off int) (int64, int, error) {
	if off+8 > len(buf) {
		return 0, 0, newErr(ErrKindCorrupt, "readInt64", nil, fmt.Errorf("truncated at offset %d", off))
	}
	return int64(binary.BigEndian.Uint64(buf[off : off+8])), 8, nil
}

func readBytesField(buf []byte, off int) ([]byte, int, error) {
	n, consumed, err := readInt32(buf, off)
	if err != nil {
		return nil, 0, err
	}
	off += consumed
	if n < 0 || off+int(n) > len(buf) {
		return nil, 0, newErr(ErrKindCorrupt, "readBytesField", nil, fmt.Errorf("invalid length %d at offset %d", n, off))
	}
	out := make([]byte, n)
	copy(out, buf[off:off+int(n)])
	return out, consumed + int(n), nil
}
