package embedkv

import "fmt"

// ValueHolder is the payload a Leaf stores for one key: either an inline
// array of up to VUp serialized values, or an offset to a sub-B+Tree
// holding the full multiset (spec section 3, "Value Holder"; invariant
// I5). Single-value (duplicates disallowed) trees only ever populate
// Inline[0].
type ValueHolder struct {
	// Inline holds serialized values in value-comparator order. Nil
	// when the holder has been promoted to a sub-tree.
	Inline [][]byte
	// SubTree is the root offset of the sub-tree holding this key's
	// values. Valid only when IsSubTree is true.
	SubTree int64
	// SubTreeCount is the number of values believed to live in SubTree,
	// tracked here so demotion (spec invariant I5) can be decided
	// without descending into the sub-tree first.
	SubTreeCount int
	IsSubTree    bool
}

// NewInlineValueHolder wraps a single serialized value, the common case
// for unique-key trees and for a fresh key in a duplicate-enabled tree.
func NewInlineValueHolder(v []byte) *ValueHolder {
	return &ValueHolder{Inline: [][]byte{v}}
}

// Count returns how many values this holder currently represents.
func (h *ValueHolder) Count() int {
	if h.IsSubTree {
		return h.SubTreeCount
	}
	return len(h.Inline)
}

// encode serializes the value record described in spec section 4.4:
// a 4-byte count (positive => inline array follows; negative => the
// sub-tree offset follows, encoded as -(count+1)). Inline values are
// already in their ValueCodec-serialized form.
func (h *ValueHolder) encode(buf []byte) []byte {
	if h.IsSubTree {
		buf = appendInt32(buf, int32(-(h.SubTreeCount + 1)))
		buf = appendInt64(buf, h.SubTree)
		return buf
	}

	buf = appendInt32(buf, int32(len(h.Inline)))
	var payload []byte
	for _, v := range h.Inline {
		payload = appendBytesField(payload, v)
	}
	buf = appendInt32(buf, int32(len(payload)))
	buf = append(buf, payload...)
	return buf
}

// decodeValueHolder reads one value record starting at buf[off:],
// returning the holder and the number of bytes consumed.
func decodeValueHolder(buf []byte, off int) (*ValueHolder, int, error) {
	start := off
	count, n, err := readInt32(buf, off)
	if err != nil {
		return nil, 0, err
	}
	off += n

	if count < 0 {
		subOff, n, err := readInt64(buf, off)
		if err != nil {
			return nil, 0, err
		}
		off += n
		return &ValueHolder{IsSubTree: true, SubTree: subOff, SubTreeCount: int(-(count + 1))}, off - start, nil
	}

	byteLen, n, err := readInt32(buf, off)
	if err != nil {
		return nil, 0, err
	}
	off += n
	if byteLen < 0 || off+int(byteLen) > len(buf) {
		return nil, 0, newErr(ErrKindCorrupt, "decodeValueHolder", nil,
			fmt.Errorf("invalid value payload length %d at offset %d", byteLen, off))
	}
	payload := buf[off : off+int(byteLen)]
	off += int(byteLen)

	values := make([][]byte, 0, count)
	p := 0
	for i := int32(0); i < count; i++ {
		v, consumed, err := readBytesField(payload, p)
		if err != nil {
			return nil, 0, err
		}
		values = append(values, v)
		p += consumed
	}
	return &ValueHolder{Inline: values}, off - start, nil
}
