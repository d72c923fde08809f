package embedkv

import "fmt"

// pageHeaderSize is the fixed 16-byte logical page header described in
// spec section 4.4: revision (8) + nbElems (4) + serialized-data size
// (4). It precedes the interleaved key/value records within the byte
// stream a Page-IO chain's payloads concatenate to.
const pageHeaderSize = 16

type pageHeader struct {
	Revision int64
	NbElems  int32 // negative => Node with -NbElems-1 keys; >=0 => Leaf with NbElems entries
	DataSize int32
}

func (h pageHeader) encode() []byte {
	buf := make([]byte, 0, pageHeaderSize)
	buf = appendInt64(buf, h.Revision)
	buf = appendInt32(buf, h.NbElems)
	buf = appendInt32(buf, h.DataSize)
	return buf
}

func decodePageHeader(buf []byte) (pageHeader, error) {
	if len(buf) < pageHeaderSize {
		return pageHeader{}, newErr(ErrKindCorrupt, "decodePageHeader", nil, fmt.Errorf("page shorter than header"))
	}
	rev, n, err := readInt64(buf, 0)
	if err != nil {
		return pageHeader{}, err
	}
	off := n
	nb, n, err := readInt32(buf, off)
	if err != nil {
		return pageHeader{}, err
	}
	off += n
	size, _, err := readInt32(buf, off)
	if err != nil {
		return pageHeader{}, err
	}
	return pageHeader{Revision: rev, NbElems: nb, DataSize: size}, nil
}

// ChildRef is a Node's reference to one child subtree (spec section
// 4.4, Node value record). First is the offset of the first Page-IO of
// that child's record chain and is what navigation follows. Last is
// always written equal to First: the offset of the last Page-IO of a
// multi-page child chain is not recorded.
type ChildRef struct {
	First int64
	Last  int64
}

func (c ChildRef) encode(buf []byte) []byte {
	buf = appendInt64(buf, c.First)
	buf = appendInt64(buf, c.Last)
	return buf
}

func decodeChildRef(buf []byte, off int) (ChildRef, int, error) {
	first, n1, err := readInt64(buf, off)
	if err != nil {
		return ChildRef{}, 0, err
	}
	last, n2, err := readInt64(buf, off+n1)
	if err != nil {
		return ChildRef{}, 0, err
	}
	return ChildRef{First: first, Last: last}, n1 + n2, nil
}

// isLeafNbElems reports whether a decoded nbElems field describes a Leaf
// (non-negative) as opposed to a Node (negative).
func isLeafNbElems(nb int32) bool { return nb >= 0 }
