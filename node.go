package embedkv

import (
	"errors"

	"github.com/jsteemann/embedkv/codec"
)

// Node is an internal Logical Page: NbElems keys separating NbElems+1
// child subtree references (spec section 4.4). Children[i] holds
// everything < Keys[i]; Children[i+1] holds everything >= Keys[i].
type Node struct {
	Revision int64
	Keys     []*KeyHolder
	Children []ChildRef
}

// encode serializes the node as child0, key0, child1, key1, ..., key(n-1),
// child(n) — a child record always opens and closes the payload, per spec
// section 4.4.
func (nd *Node) encode() ([]byte, error) {
	if len(nd.Children) != len(nd.Keys)+1 {
		return nil, newErr(ErrKindCorrupt, "Node.encode", nil, errNodeArity)
	}

	var payload []byte
	payload = nd.Children[0].encode(payload)
	for i, k := range nd.Keys {
		raw, err := k.Bytes()
		if err != nil {
			return nil, err
		}
		payload = appendBytesField(payload, raw)
		payload = nd.Children[i+1].encode(payload)
	}

	hdr := pageHeader{Revision: nd.Revision, NbElems: -int32(len(nd.Keys)) - 1, DataSize: int32(len(payload))}
	return append(hdr.encode(), payload...), nil
}

// decodeNode parses a node payload previously produced by encode.
func decodeNode(buf []byte, kc codec.KeyCodec) (*Node, error) {
	hdr, err := decodePageHeader(buf)
	if err != nil {
		return nil, err
	}
	if isLeafNbElems(hdr.NbElems) {
		return nil, newErr(ErrKindCorrupt, "decodeNode", nil, errNotANode)
	}

	n := int(-hdr.NbElems) - 1
	nd := &Node{Revision: hdr.Revision, Keys: make([]*KeyHolder, 0, n), Children: make([]ChildRef, 0, n+1)}

	off := pageHeaderSize
	child, consumed, err := decodeChildRef(buf, off)
	if err != nil {
		return nil, err
	}
	off += consumed
	nd.Children = append(nd.Children, child)

	for i := 0; i < n; i++ {
		raw, consumed, err := readBytesField(buf, off)
		if err != nil {
			return nil, err
		}
		off += consumed
		nd.Keys = append(nd.Keys, NewKeyHolderFromBytes(kc, raw))

		child, consumed, err := decodeChildRef(buf, off)
		if err != nil {
			return nil, err
		}
		off += consumed
		nd.Children = append(nd.Children, child)
	}
	return nd, nil
}

var (
	errNotANode  = errors.New("page is not a node")
	errNodeArity = errors.New("node has wrong number of children for its key count")
)
