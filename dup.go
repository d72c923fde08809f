package embedkv

// dup.go implements the duplicate-value bookkeeping spec invariant I5
// describes: a key's values live inline as long as there are at most
// VUp of them, and are promoted into their own unique-key sub-tree
// (keyed by the parent tree's ValueCodec) once that threshold is
// crossed. Demotion happens symmetrically once a sub-tree shrinks to
// VLow values or fewer (see removeValue in delete.go).

// subEngine returns a treeEngine for a duplicate-value sub-tree: same
// page store, allocator, and cache as the parent, but keyed by the
// parent's ValueCodec, since a sub-tree's "keys" are the distinct
// values being deduplicated. Sub-tree leaves carry no payload of their
// own, only presence.
func (t *treeEngine) subEngine() *treeEngine {
	return &treeEngine{
		pf:         t.pf,
		alloc:      t.alloc,
		cache:      t.cache,
		kc:         t.vc,
		vc:         t.vc,
		opts:       t.opts,
		metrics:    t.metrics,
		revision:   t.revision,
		superseded: t.superseded,
	}
}

// mergeValue folds value into an existing key's ValueHolder, promoting
// it to a sub-tree when the inline array would otherwise exceed VUp.
func (t *treeEngine) mergeValue(existing *ValueHolder, value []byte) (*ValueHolder, error) {
	if existing.IsSubTree {
		sub := t.subEngine()
		newRoot, err := sub.Insert(existing.SubTree, NewKeyHolderFromBytes(t.vc, value), nil, false)
		if err != nil {
			return nil, err
		}
		return &ValueHolder{IsSubTree: true, SubTree: newRoot, SubTreeCount: existing.SubTreeCount + 1}, nil
	}

	idx, err := t.inlineInsertIndex(existing.Inline, value)
	if err != nil {
		return nil, err
	}
	grown := make([][]byte, 0, len(existing.Inline)+1)
	grown = append(grown, existing.Inline[:idx]...)
	grown = append(grown, value)
	grown = append(grown, existing.Inline[idx:]...)

	if len(grown) <= t.opts.VUp {
		return &ValueHolder{Inline: grown}, nil
	}
	return t.promoteToSubtree(grown)
}

// inlineInsertIndex finds where value belongs in an inline array kept in
// ValueCodec order.
func (t *treeEngine) inlineInsertIndex(inline [][]byte, value []byte) (int, error) {
	newVal, _, err := t.vc.DeserializeBytes(value, 0)
	if err != nil {
		return 0, newErr(ErrKindSerializer, "inlineInsertIndex", value, err)
	}
	lo, hi := 0, len(inline)
	for lo < hi {
		mid := (lo + hi) / 2
		existing, _, err := t.vc.DeserializeBytes(inline[mid], 0)
		if err != nil {
			return 0, newErr(ErrKindSerializer, "inlineInsertIndex", inline[mid], err)
		}
		if t.vc.Compare(existing, newVal) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// promoteToSubtree builds a fresh sub-tree containing every value in
// values (already in ValueCodec order) and returns a ValueHolder
// pointing at it.
func (t *treeEngine) promoteToSubtree(values [][]byte) (*ValueHolder, error) {
	sub := t.subEngine()
	root, err := sub.writeLeaf(&Leaf{})
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		root, err = sub.Insert(root, NewKeyHolderFromBytes(t.vc, v), nil, false)
		if err != nil {
			return nil, err
		}
	}
	return &ValueHolder{IsSubTree: true, SubTree: root, SubTreeCount: len(values)}, nil
}

// collectSubtreeValues walks every leaf of a duplicate-value sub-tree
// and returns its keys as serialized values, in order. Used to demote a
// sub-tree back to an inline array once it shrinks to VLow entries.
func (t *treeEngine) collectSubtreeValues(root int64) ([][]byte, error) {
	sub := t.subEngine()
	var out [][]byte
	var walk func(offset int64) error
	walk = func(offset int64) error {
		isLeaf, err := sub.isLeafPage(offset)
		if err != nil {
			return err
		}
		if isLeaf {
			l, err := sub.loadLeaf(offset)
			if err != nil {
				return err
			}
			for _, k := range l.Keys {
				raw, err := k.Bytes()
				if err != nil {
					return err
				}
				out = append(out, raw)
			}
			return nil
		}
		n, err := sub.loadNode(offset)
		if err != nil {
			return err
		}
		for _, c := range n.Children {
			if err := walk(c.First); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}
