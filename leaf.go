package embedkv

import (
	"errors"

	"github.com/jsteemann/embedkv/codec"
)

// Leaf is a Logical Page holding an ordered run of key/value pairs
// (spec section 4.4). Entries are kept sorted by key; a duplicate-value
// key's ValueHolder is either an inline array or a sub-tree offset, per
// invariant I5.
type Leaf struct {
	Revision int64
	Keys     []*KeyHolder
	Values   []*ValueHolder
}

// encode serializes the leaf into the value/key-interleaved payload
// described in spec section 4.4: for each entry in index order, the
// value record immediately precedes its key record.
func (l *Leaf) encode() ([]byte, error) {
	var payload []byte
	for i, k := range l.Keys {
		payload = l.Values[i].encode(payload)
		raw, err := k.Bytes()
		if err != nil {
			return nil, err
		}
		payload = appendBytesField(payload, raw)
	}

	hdr := pageHeader{Revision: l.Revision, NbElems: int32(len(l.Keys)), DataSize: int32(len(payload))}
	return append(hdr.encode(), payload...), nil
}

// decodeLeaf parses a leaf payload previously produced by encode. kc is
// the key codec to attach to each decoded KeyHolder so later lookups can
// compare without a second pass over the page.
func decodeLeaf(buf []byte, kc codec.KeyCodec) (*Leaf, error) {
	hdr, err := decodePageHeader(buf)
	if err != nil {
		return nil, err
	}
	if !isLeafNbElems(hdr.NbElems) {
		return nil, newErr(ErrKindCorrupt, "decodeLeaf", nil, errNotALeaf)
	}

	n := int(hdr.NbElems)
	l := &Leaf{Revision: hdr.Revision, Keys: make([]*KeyHolder, 0, n), Values: make([]*ValueHolder, 0, n)}

	off := pageHeaderSize
	for i := 0; i < n; i++ {
		v, consumed, err := decodeValueHolder(buf, off)
		if err != nil {
			return nil, err
		}
		off += consumed

		raw, consumed, err := readBytesField(buf, off)
		if err != nil {
			return nil, err
		}
		off += consumed

		l.Values = append(l.Values, v)
		l.Keys = append(l.Keys, NewKeyHolderFromBytes(kc, raw))
	}
	return l, nil
}

var errNotALeaf = errors.New("page is not a leaf")
