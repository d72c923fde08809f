package embedkv

// header.go encodes the two header records spec section 6 lays out
// byte-exactly: the Record-Manager Header living in the paged file's
// reserved region, and the per-tree headers chained beyond it. The
// reserved region's first 24 bytes match the spec's wire format exactly
// (page_size, num_managed_trees, first_free_page, last_free_page); the
// revision counter and the two internal-tree root offsets the data
// model also requires (copied-pages-tree, revision-tree) are appended
// immediately after, in the region the spec leaves as "reserved" —
// there is no compatibility requirement on that tail, only on the first
// 24 bytes. CopiedPagesTreeOff/RevisionTreeOff are carried as reserved
// placeholders only (see DESIGN.md's "Open-question decisions" /
// Retention entry): nothing currently writes a non-zero value into
// either field.

const rmHeaderFixedSize = 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8 // + firstTreeOffset

// rmHeader mirrors the Record-Manager Header (spec sections 3, 6).
type rmHeader struct {
	PageSize           int32
	NumManagedTrees    int32
	FirstFreePage      int64
	LastFreePage       int64
	Revision           int64
	CopiedPagesTreeOff int64
	RevisionTreeOff    int64
	FirstTreeOffset    int64
}

func (h rmHeader) encode() []byte {
	buf := make([]byte, 0, rmHeaderFixedSize)
	buf = appendInt32(buf, h.PageSize)
	buf = appendInt32(buf, h.NumManagedTrees)
	buf = appendInt64(buf, h.FirstFreePage)
	buf = appendInt64(buf, h.LastFreePage)
	buf = appendInt64(buf, h.Revision)
	buf = appendInt64(buf, h.CopiedPagesTreeOff)
	buf = appendInt64(buf, h.RevisionTreeOff)
	buf = appendInt64(buf, h.FirstTreeOffset)
	return buf
}

func decodeRMHeader(buf []byte) (rmHeader, error) {
	var h rmHeader
	var off int
	var n int
	var err error

	if h.PageSize, n, err = readInt32(buf, off); err != nil {
		return h, err
	}
	off += n
	if h.NumManagedTrees, n, err = readInt32(buf, off); err != nil {
		return h, err
	}
	off += n
	if h.FirstFreePage, n, err = readInt64(buf, off); err != nil {
		return h, err
	}
	off += n
	if h.LastFreePage, n, err = readInt64(buf, off); err != nil {
		return h, err
	}
	off += n
	if h.Revision, n, err = readInt64(buf, off); err != nil {
		return h, err
	}
	off += n
	if h.CopiedPagesTreeOff, n, err = readInt64(buf, off); err != nil {
		return h, err
	}
	off += n
	if h.RevisionTreeOff, n, err = readInt64(buf, off); err != nil {
		return h, err
	}
	off += n
	if h.FirstTreeOffset, n, err = readInt64(buf, off); err != nil {
		return h, err
	}
	return h, nil
}

// rmHeaderIsZero reports whether buf looks like a never-initialized reserved
// region (a brand new file truncated to one page).
func rmHeaderIsZero(buf []byte) bool {
	for _, b := range buf[:rmHeaderFixedSize] {
		if b != 0 {
			return false
		}
	}
	return true
}

// treeHeader mirrors one Tree Header: per-tree metadata plus the offset
// of the next header in the chain (spec sections 3, 6). key/value
// serializer ids are opaque names the embedder resolves back to a
// codec.Codec via Options.Codecs on open.
type treeHeader struct {
	Revision        int64
	NbElems         int64
	RootPageOffset  int64
	NextTreeOffset  int64
	BranchingFactor int32
	TreeName        string
	KeySerializerID string
	ValSerializerID string
	AllowDuplicates bool
}

func (h treeHeader) encode() []byte {
	buf := make([]byte, 0, 64+len(h.TreeName)+len(h.KeySerializerID)+len(h.ValSerializerID))
	buf = appendInt64(buf, h.Revision)
	buf = appendInt64(buf, h.NbElems)
	buf = appendInt64(buf, h.RootPageOffset)
	buf = appendInt64(buf, h.NextTreeOffset)
	buf = appendInt32(buf, h.BranchingFactor)
	buf = appendBytesField(buf, []byte(h.TreeName))
	buf = appendBytesField(buf, []byte(h.KeySerializerID))
	buf = appendBytesField(buf, []byte(h.ValSerializerID))
	dup := int32(0)
	if h.AllowDuplicates {
		dup = 1
	}
	buf = appendInt32(buf, dup)
	return buf
}

func decodeTreeHeader(buf []byte) (treeHeader, error) {
	var h treeHeader
	var off int
	var n int
	var err error

	if h.Revision, n, err = readInt64(buf, off); err != nil {
		return h, err
	}
	off += n
	if h.NbElems, n, err = readInt64(buf, off); err != nil {
		return h, err
	}
	off += n
	if h.RootPageOffset, n, err = readInt64(buf, off); err != nil {
		return h, err
	}
	off += n
	if h.NextTreeOffset, n, err = readInt64(buf, off); err != nil {
		return h, err
	}
	off += n
	if h.BranchingFactor, n, err = readInt32(buf, off); err != nil {
		return h, err
	}
	off += n

	var raw []byte
	if raw, n, err = readBytesField(buf, off); err != nil {
		return h, err
	}
	h.TreeName = string(raw)
	off += n
	if raw, n, err = readBytesField(buf, off); err != nil {
		return h, err
	}
	h.KeySerializerID = string(raw)
	off += n
	if raw, n, err = readBytesField(buf, off); err != nil {
		return h, err
	}
	h.ValSerializerID = string(raw)
	off += n

	var dup int32
	if dup, _, err = readInt32(buf, off); err != nil {
		return h, err
	}
	h.AllowDuplicates = dup != 0
	return h, nil
}
