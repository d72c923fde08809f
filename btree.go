package embedkv

import (
	"github.com/jsteemann/embedkv/codec"
	"github.com/jsteemann/embedkv/internal/metrics"
)

// treeEngine bundles everything the copy-on-write B+Tree algorithms need
// to read and publish pages for one tree: the physical page store, the
// free-page allocator, the decoded-page cache, the tree's codecs, and
// the revision stamped onto every page it writes during the current
// write transaction (spec sections 4.5, 4.6). A sub-tree created to hold
// an overflowed duplicate-value array shares pf/alloc/cache with its
// parent tree but uses the parent's ValueCodec as its own KeyCodec
// (spec section 4.4, duplicate handling).
type treeEngine struct {
	pf      *PagedFile
	alloc   *FreeAllocator
	cache   *PageCache
	kc      codec.KeyCodec
	vc      codec.ValueCodec
	opts    Options
	metrics *metrics.Metrics

	revision int64

	// superseded collects the offset of every published page this
	// write rewrote a fresh copy of. It is a pointer so a duplicate-
	// value sub-tree's treeEngine (see subEngine in dup.go) reports
	// into the same backing slice as its parent. Nil on read-only
	// engines, which never supersede anything.
	superseded *[]int64
}

// supersede records offset as replaced by a freshly written copy, to be
// reclaimed by the allocator once the write transaction commits (spec
// section 4.2's "a page freed during commit N becomes immediately
// reusable for commit N+1"). A no-op on read-only engines.
func (t *treeEngine) supersede(offset int64) {
	if t.superseded == nil || offset == NoPage {
		return
	}
	*t.superseded = append(*t.superseded, offset)
}

func (t *treeEngine) loadLeaf(offset int64) (*Leaf, error) {
	if cached, ok := t.cache.Get(offset); ok {
		if l, ok := cached.(*Leaf); ok {
			return l, nil
		}
	}
	buf, err := readPayload(t.pf, offset)
	if err != nil {
		return nil, err
	}
	l, err := decodeLeaf(buf, t.kc)
	if err != nil {
		return nil, err
	}
	t.cache.Put(offset, l)
	return l, nil
}

func (t *treeEngine) loadNode(offset int64) (*Node, error) {
	if cached, ok := t.cache.Get(offset); ok {
		if n, ok := cached.(*Node); ok {
			return n, nil
		}
	}
	buf, err := readPayload(t.pf, offset)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(buf, t.kc)
	if err != nil {
		return nil, err
	}
	t.cache.Put(offset, n)
	return n, nil
}

// isLeafPage peeks the page header to tell a Leaf offset from a Node
// offset without a full decode.
func (t *treeEngine) isLeafPage(offset int64) (bool, error) {
	head, err := t.pf.ReadPage(offset, true)
	if err != nil {
		return false, err
	}
	hdr, err := decodePageHeader(head.Payload)
	if err != nil {
		return false, err
	}
	return isLeafNbElems(hdr.NbElems), nil
}

func (t *treeEngine) writeLeaf(l *Leaf) (int64, error) {
	l.Revision = t.revision
	offset, err := writeLeaf(t.pf, t.alloc, l)
	if err != nil {
		return 0, err
	}
	t.cache.Put(offset, l)
	return offset, nil
}

func (t *treeEngine) writeNode(n *Node) (int64, error) {
	n.Revision = t.revision
	offset, err := writeNode(t.pf, t.alloc, n)
	if err != nil {
		return 0, err
	}
	t.cache.Put(offset, n)
	return offset, nil
}

// compareKeys orders two already-wrapped keys with the tree's codec.
func (t *treeEngine) compareKeys(a, b *KeyHolder) (int, error) {
	return a.Compare(b)
}

// searchLeaf returns the index of key within l.Keys, and whether it was
// found, using a binary search over the codec's total order.
func (t *treeEngine) searchLeaf(l *Leaf, key *KeyHolder) (int, bool, error) {
	lo, hi := 0, len(l.Keys)
	for lo < hi {
		mid := (lo + hi) / 2
		cmp, err := t.compareKeys(l.Keys[mid], key)
		if err != nil {
			return 0, false, err
		}
		if cmp < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(l.Keys) {
		cmp, err := t.compareKeys(l.Keys[lo], key)
		if err != nil {
			return 0, false, err
		}
		if cmp == 0 {
			return lo, true, nil
		}
	}
	return lo, false, nil
}

// searchNode returns the index of the child that must be descended to
// find key: the first index i such that key < n.Keys[i], or
// len(n.Keys) if key is >= every separator.
func (t *treeEngine) searchNode(n *Node, key *KeyHolder) (int, error) {
	lo, hi := 0, len(n.Keys)
	for lo < hi {
		mid := (lo + hi) / 2
		cmp, err := t.compareKeys(key, n.Keys[mid])
		if err != nil {
			return 0, err
		}
		if cmp < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

// Get looks up key starting at root, returning its ValueHolder (which
// may itself be a promoted sub-tree reference the caller must descend
// into separately via this same treeEngine, reconfigured for the
// sub-tree's codec).
func (t *treeEngine) Get(root int64, key *KeyHolder) (*ValueHolder, error) {
	offset := root
	for {
		leaf, err := t.isLeafPage(offset)
		if err != nil {
			return nil, err
		}
		if leaf {
			l, err := t.loadLeaf(offset)
			if err != nil {
				return nil, err
			}
			idx, found, err := t.searchLeaf(l, key)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, newErr(ErrKindKeyNotFound, "Get", nil, nil)
			}
			return l.Values[idx], nil
		}
		n, err := t.loadNode(offset)
		if err != nil {
			return nil, err
		}
		idx, err := t.searchNode(n, key)
		if err != nil {
			return nil, err
		}
		offset = n.Children[idx].First
	}
}

// Insert places value under key in the tree rooted at root, growing the
// tree by one level when the root itself splits, and returns the new
// root offset. dupAware controls whether an existing key accumulates
// value alongside the ones already stored (spec invariant I5) or is
// simply overwritten (unique-key trees).
func (t *treeEngine) Insert(root int64, key *KeyHolder, value []byte, dupAware bool) (int64, error) {
	newSelf, promoted, sibling, err := t.insertRec(root, key, value, dupAware)
	if err != nil {
		return 0, err
	}
	if promoted == nil {
		return newSelf, nil
	}
	newRoot := &Node{
		Keys:     []*KeyHolder{promoted},
		Children: []ChildRef{{First: newSelf, Last: newSelf}, {First: sibling, Last: sibling}},
	}
	return t.writeNode(newRoot)
}

func (t *treeEngine) insertRec(offset int64, key *KeyHolder, value []byte, dupAware bool) (newSelf int64, promoted *KeyHolder, sibling int64, err error) {
	isLeaf, err := t.isLeafPage(offset)
	if err != nil {
		return 0, nil, 0, err
	}
	t.supersede(offset)

	if isLeaf {
		l, err := t.loadLeaf(offset)
		if err != nil {
			return 0, nil, 0, err
		}
		l = cloneLeaf(l)

		idx, found, err := t.searchLeaf(l, key)
		if err != nil {
			return 0, nil, 0, err
		}
		if found && dupAware {
			vh, err := t.mergeValue(l.Values[idx], value)
			if err != nil {
				return 0, nil, 0, err
			}
			l.Values[idx] = vh
		} else if found {
			l.Values[idx] = NewInlineValueHolder(value)
		} else {
			l.Keys = append(l.Keys, nil)
			copy(l.Keys[idx+1:], l.Keys[idx:])
			l.Keys[idx] = key

			l.Values = append(l.Values, nil)
			copy(l.Values[idx+1:], l.Values[idx:])
			l.Values[idx] = NewInlineValueHolder(value)
		}

		if len(l.Keys) <= t.opts.BranchingFactor {
			off, err := t.writeLeaf(l)
			return off, nil, 0, err
		}
		return t.splitLeaf(l)
	}

	n, err := t.loadNode(offset)
	if err != nil {
		return 0, nil, 0, err
	}
	n = cloneNode(n)

	childIdx, err := t.searchNode(n, key)
	if err != nil {
		return 0, nil, 0, err
	}

	childOffset, childPromoted, childSibling, err := t.insertRec(n.Children[childIdx].First, key, value, dupAware)
	if err != nil {
		return 0, nil, 0, err
	}
	n.Children[childIdx] = ChildRef{First: childOffset, Last: childOffset}

	if childPromoted == nil {
		if len(n.Keys) <= t.opts.BranchingFactor {
			off, err := t.writeNode(n)
			return off, nil, 0, err
		}
		return t.splitNode(n)
	}

	n.Keys = append(n.Keys, nil)
	copy(n.Keys[childIdx+1:], n.Keys[childIdx:])
	n.Keys[childIdx] = childPromoted

	n.Children = append(n.Children, ChildRef{})
	copy(n.Children[childIdx+2:], n.Children[childIdx+1:])
	n.Children[childIdx+1] = ChildRef{First: childSibling, Last: childSibling}

	if len(n.Keys) <= t.opts.BranchingFactor {
		off, err := t.writeNode(n)
		return off, nil, 0, err
	}
	return t.splitNode(n)
}

// splitLeaf splits an overflowed leaf in two, promoting the first key of
// the right half as the new separator (spec section 4.5: "leaf split
// pivot is the first key of the right half").
func (t *treeEngine) splitLeaf(l *Leaf) (leftOff int64, promoted *KeyHolder, rightOff int64, err error) {
	mid := (len(l.Keys) + 1) / 2
	left := &Leaf{Keys: l.Keys[:mid], Values: l.Values[:mid]}
	right := &Leaf{Keys: l.Keys[mid:], Values: l.Values[mid:]}

	leftOff, err = t.writeLeaf(left)
	if err != nil {
		return 0, nil, 0, err
	}
	rightOff, err = t.writeLeaf(right)
	if err != nil {
		return 0, nil, 0, err
	}
	t.metrics.SplitsTotal.WithLabelValues("leaf").Inc()
	return leftOff, right.Keys[0], rightOff, nil
}

// splitNode splits an overflowed node, promoting its middle key upward
// and removing it from both halves (spec section 4.5).
func (t *treeEngine) splitNode(n *Node) (leftOff int64, promoted *KeyHolder, rightOff int64, err error) {
	mid := len(n.Keys) / 2
	promotedKey := n.Keys[mid]

	left := &Node{Keys: n.Keys[:mid], Children: n.Children[:mid+1]}
	right := &Node{Keys: n.Keys[mid+1:], Children: n.Children[mid+1:]}

	leftOff, err = t.writeNode(left)
	if err != nil {
		return 0, nil, 0, err
	}
	rightOff, err = t.writeNode(right)
	if err != nil {
		return 0, nil, 0, err
	}
	t.metrics.SplitsTotal.WithLabelValues("node").Inc()
	return leftOff, promotedKey, rightOff, nil
}

// materializeValues decodes every value stored under a ValueHolder, in
// value-comparator order, expanding a sub-tree into the values promoted
// into it (spec section 4.6, Cursors: "duplicates appear in
// value-comparator order").
func (t *treeEngine) materializeValues(vh *ValueHolder) ([]any, error) {
	var raws [][]byte
	if vh.IsSubTree {
		var err error
		raws, err = t.collectSubtreeValues(vh.SubTree)
		if err != nil {
			return nil, err
		}
	} else {
		raws = vh.Inline
	}

	out := make([]any, 0, len(raws))
	for _, raw := range raws {
		v, _, err := t.vc.DeserializeBytes(raw, 0)
		if err != nil {
			return nil, newErr(ErrKindSerializer, "materializeValues", raw, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func cloneLeaf(l *Leaf) *Leaf {
	return &Leaf{
		Revision: l.Revision,
		Keys:     append([]*KeyHolder(nil), l.Keys...),
		Values:   append([]*ValueHolder(nil), l.Values...),
	}
}

func cloneNode(n *Node) *Node {
	return &Node{
		Revision: n.Revision,
		Keys:     append([]*KeyHolder(nil), n.Keys...),
		Children: append([]ChildRef(nil), n.Children...),
	}
}
