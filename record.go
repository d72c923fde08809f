package embedkv

// record.go bridges the Page-IO chain machinery (pageio.go, pagefile.go,
// alloc.go) and the Logical Page codecs (leaf.go, node.go): it reads a
// whole Logical Page's payload back from a chain, and writes one out as
// a freshly allocated chain. Every write is a brand new chain at a brand
// new offset; nothing here ever overwrites a published page, which is
// the copy-on-write discipline spec section 4.5 describes.

// readPayload reassembles the full payload of the Logical Page rooted at
// offset, following Next links until the head's declared Size bytes have
// been collected.
func readPayload(pf *PagedFile, offset int64) ([]byte, error) {
	head, err := pf.ReadPage(offset, true)
	if err != nil {
		return nil, err
	}
	total := int(head.Size)
	buf := make([]byte, 0, total)
	buf = append(buf, head.Payload...)

	next := head.Next
	for len(buf) < total && next != NoPage {
		pio, err := pf.ReadPage(next, false)
		if err != nil {
			return nil, err
		}
		buf = append(buf, pio.Payload...)
		next = pio.Next
	}
	if len(buf) > total {
		buf = buf[:total]
	}
	return buf, nil
}

// writeLeaf allocates a fresh chain for l and returns its offset. The
// pages that made up any previous version of this Logical Page are left
// untouched; the caller (the insert/delete algorithms) is responsible for
// handing them to the retention or free-list path.
func writeLeaf(pf *PagedFile, alloc *FreeAllocator, l *Leaf) (int64, error) {
	payload, err := l.encode()
	if err != nil {
		return 0, err
	}
	chain, err := alloc.AllocateChain(payload)
	if err != nil {
		return 0, err
	}
	if err := pf.WriteRecord(chain); err != nil {
		return 0, err
	}
	return chain[0].Offset, nil
}

// writeNode is writeLeaf's counterpart for internal pages.
func writeNode(pf *PagedFile, alloc *FreeAllocator, n *Node) (int64, error) {
	payload, err := n.encode()
	if err != nil {
		return 0, err
	}
	chain, err := alloc.AllocateChain(payload)
	if err != nil {
		return 0, err
	}
	if err := pf.WriteRecord(chain); err != nil {
		return 0, err
	}
	return chain[0].Offset, nil
}

// pageKind tells apart a Leaf payload from a Node payload without a full
// decode, by peeking at the shared header's NbElems sign.
func pageKind(buf []byte) (leaf bool, err error) {
	hdr, err := decodePageHeader(buf)
	if err != nil {
		return false, err
	}
	return isLeafNbElems(hdr.NbElems), nil
}
