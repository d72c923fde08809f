package embedkv

// delete.go implements copy-on-write delete with rebalancing: removing
// a key (or, in a duplicate-value tree, one value of a key) may leave a
// leaf or node below its minimum occupancy of ceil(B/2) entries (spec
// invariant I2/I3), in which case the parent borrows from whichever
// sibling has the most spare entries, or merges with it if neither can
// spare one. Ties are broken toward the previous (left) sibling; the
// first child of a node has no previous sibling and always uses the
// next one.

func (t *treeEngine) minOccupancy() int {
	m := (t.opts.BranchingFactor + 1) / 2
	if m < 1 {
		m = 1
	}
	return m
}

// Delete removes key and every value stored under it, returning the new
// root offset. It reports ErrKeyNotFound if key is absent.
func (t *treeEngine) Delete(root int64, key *KeyHolder) (int64, error) {
	newRoot, _, err := t.deleteRec(root, key, true, nil)
	if err != nil {
		return 0, err
	}
	return t.collapseRoot(newRoot)
}

// DeleteValue removes a single value from key's duplicate set, demoting
// a sub-tree back to an inline array once it reaches VLow entries, and
// removing the key entirely once its last value is gone.
func (t *treeEngine) DeleteValue(root int64, key *KeyHolder, value []byte) (int64, error) {
	newRoot, _, err := t.deleteRec(root, key, false, value)
	if err != nil {
		return 0, err
	}
	return t.collapseRoot(newRoot)
}

// collapseRoot shrinks a root Node down to its sole child when a
// cascade of merges has left it with zero keys (spec section 4.5's
// "root is the only page allowed to underflow" carve-out, taken to its
// natural conclusion).
func (t *treeEngine) collapseRoot(root int64) (int64, error) {
	isLeaf, err := t.isLeafPage(root)
	if err != nil {
		return 0, err
	}
	if isLeaf {
		return root, nil
	}
	n, err := t.loadNode(root)
	if err != nil {
		return 0, err
	}
	if len(n.Keys) == 0 {
		child := n.Children[0].First
		t.supersede(root)
		return child, nil
	}
	return root, nil
}

// deleteRec removes key (wholeKey) or one of its values (value, when
// wholeKey is false) from the sub-tree rooted at offset, and reports
// whether the rewritten page now underflows its minimum occupancy.
func (t *treeEngine) deleteRec(offset int64, key *KeyHolder, wholeKey bool, value []byte) (newOffset int64, underflow bool, err error) {
	isLeaf, err := t.isLeafPage(offset)
	if err != nil {
		return 0, false, err
	}
	t.supersede(offset)

	if isLeaf {
		l, err := t.loadLeaf(offset)
		if err != nil {
			return 0, false, err
		}
		l = cloneLeaf(l)

		idx, found, err := t.searchLeaf(l, key)
		if err != nil {
			return 0, false, err
		}
		if !found {
			return 0, false, newErr(ErrKindKeyNotFound, "Delete", nil, nil)
		}

		remove := wholeKey
		if !wholeKey {
			vh, err := t.removeValue(l.Values[idx], value)
			if err != nil {
				return 0, false, err
			}
			if vh.Count() == 0 {
				remove = true
			} else {
				l.Values[idx] = vh
			}
		}
		if remove {
			l.Keys = append(l.Keys[:idx], l.Keys[idx+1:]...)
			l.Values = append(l.Values[:idx], l.Values[idx+1:]...)
		}

		off, err := t.writeLeaf(l)
		if err != nil {
			return 0, false, err
		}
		return off, len(l.Keys) < t.minOccupancy(), nil
	}

	n, err := t.loadNode(offset)
	if err != nil {
		return 0, false, err
	}
	n = cloneNode(n)

	childIdx, err := t.searchNode(n, key)
	if err != nil {
		return 0, false, err
	}

	childOff, childUnderflow, err := t.deleteRec(n.Children[childIdx].First, key, wholeKey, value)
	if err != nil {
		return 0, false, err
	}
	n.Children[childIdx] = ChildRef{First: childOff, Last: childOff}

	if !childUnderflow {
		off, err := t.writeNode(n)
		if err != nil {
			return 0, false, err
		}
		return off, len(n.Keys) < t.minOccupancy(), nil
	}

	if err := t.rebalanceChild(n, childIdx); err != nil {
		return 0, false, err
	}

	off, err := t.writeNode(n)
	if err != nil {
		return 0, false, err
	}
	return off, len(n.Keys) < t.minOccupancy(), nil
}

// rebalanceChild fixes up n.Children[idx] in place after it underflowed:
// it borrows an entry from whichever neighbor has more to spare,
// breaking ties toward the left, or merges with that neighbor if
// neither has enough. n is mutated directly (keys/children spliced);
// the caller writes the result.
func (t *treeEngine) rebalanceChild(n *Node, idx int) error {
	leftIdx, rightIdx := idx-1, idx+1

	leftCount, err := t.childEntryCount(n, leftIdx)
	if err != nil {
		return err
	}
	rightCount, err := t.childEntryCount(n, rightIdx)
	if err != nil {
		return err
	}

	useLeft := leftIdx >= 0 && (rightIdx >= len(n.Children) || leftCount >= rightCount)

	if useLeft {
		return t.rebalancePair(n, leftIdx, idx)
	}
	return t.rebalancePair(n, idx, rightIdx)
}

func (t *treeEngine) childEntryCount(n *Node, idx int) (int, error) {
	if idx < 0 || idx >= len(n.Children) {
		return -1, nil
	}
	isLeaf, err := t.isLeafPage(n.Children[idx].First)
	if err != nil {
		return 0, err
	}
	if isLeaf {
		l, err := t.loadLeaf(n.Children[idx].First)
		if err != nil {
			return 0, err
		}
		return len(l.Keys), nil
	}
	c, err := t.loadNode(n.Children[idx].First)
	if err != nil {
		return 0, err
	}
	return len(c.Keys), nil
}

// rebalancePair merges or redistributes between n.Children[leftIdx] and
// n.Children[rightIdx] (adjacent, leftIdx = rightIdx-1), updating n's
// keys and children in place.
func (t *treeEngine) rebalancePair(n *Node, leftIdx, rightIdx int) error {
	t.supersede(n.Children[leftIdx].First)
	t.supersede(n.Children[rightIdx].First)

	isLeaf, err := t.isLeafPage(n.Children[leftIdx].First)
	if err != nil {
		return err
	}

	if isLeaf {
		return t.rebalanceLeafPair(n, leftIdx, rightIdx)
	}
	return t.rebalanceNodePair(n, leftIdx, rightIdx)
}

func (t *treeEngine) rebalanceLeafPair(n *Node, leftIdx, rightIdx int) error {
	left, err := t.loadLeaf(n.Children[leftIdx].First)
	if err != nil {
		return err
	}
	right, err := t.loadLeaf(n.Children[rightIdx].First)
	if err != nil {
		return err
	}
	left, right = cloneLeaf(left), cloneLeaf(right)

	total := len(left.Keys) + len(right.Keys)
	if total < 2*t.minOccupancy() {
		left.Keys = append(left.Keys, right.Keys...)
		left.Values = append(left.Values, right.Values...)
		off, err := t.writeLeaf(left)
		if err != nil {
			return err
		}
		n.Children[leftIdx] = ChildRef{First: off, Last: off}
		n.Keys = append(n.Keys[:leftIdx], n.Keys[rightIdx:]...)
		n.Children = append(n.Children[:rightIdx], n.Children[rightIdx+1:]...)
		t.metrics.MergesTotal.WithLabelValues("leaf").Inc()
		return nil
	}

	// Redistribute: move entries one at a time from whichever side has
	// more until both meet the minimum.
	for len(left.Keys) > len(right.Keys)+1 {
		i := len(left.Keys) - 1
		right.Keys = append([]*KeyHolder{left.Keys[i]}, right.Keys...)
		right.Values = append([]*ValueHolder{left.Values[i]}, right.Values...)
		left.Keys = left.Keys[:i]
		left.Values = left.Values[:i]
	}
	for len(right.Keys) > len(left.Keys)+1 {
		left.Keys = append(left.Keys, right.Keys[0])
		left.Values = append(left.Values, right.Values[0])
		right.Keys = right.Keys[1:]
		right.Values = right.Values[1:]
	}

	leftOff, err := t.writeLeaf(left)
	if err != nil {
		return err
	}
	rightOff, err := t.writeLeaf(right)
	if err != nil {
		return err
	}
	n.Children[leftIdx] = ChildRef{First: leftOff, Last: leftOff}
	n.Children[rightIdx] = ChildRef{First: rightOff, Last: rightOff}
	n.Keys[leftIdx] = right.Keys[0]
	return nil
}

func (t *treeEngine) rebalanceNodePair(n *Node, leftIdx, rightIdx int) error {
	left, err := t.loadNode(n.Children[leftIdx].First)
	if err != nil {
		return err
	}
	right, err := t.loadNode(n.Children[rightIdx].First)
	if err != nil {
		return err
	}
	left, right = cloneNode(left), cloneNode(right)
	sep := n.Keys[leftIdx]

	total := len(left.Keys) + 1 + len(right.Keys)
	if total <= t.opts.BranchingFactor {
		left.Keys = append(left.Keys, sep)
		left.Keys = append(left.Keys, right.Keys...)
		left.Children = append(left.Children, right.Children...)
		off, err := t.writeNode(left)
		if err != nil {
			return err
		}
		n.Children[leftIdx] = ChildRef{First: off, Last: off}
		n.Keys = append(n.Keys[:leftIdx], n.Keys[rightIdx:]...)
		n.Children = append(n.Children[:rightIdx], n.Children[rightIdx+1:]...)
		t.metrics.MergesTotal.WithLabelValues("node").Inc()
		return nil
	}

	for len(left.Keys) > len(right.Keys)+1 {
		right.Keys = append([]*KeyHolder{sep}, right.Keys...)
		right.Children = append([]ChildRef{left.Children[len(left.Children)-1]}, right.Children...)
		sep = left.Keys[len(left.Keys)-1]
		left.Keys = left.Keys[:len(left.Keys)-1]
		left.Children = left.Children[:len(left.Children)-1]
	}
	for len(right.Keys) > len(left.Keys)+1 {
		left.Keys = append(left.Keys, sep)
		left.Children = append(left.Children, right.Children[0])
		sep = right.Keys[0]
		right.Keys = right.Keys[1:]
		right.Children = right.Children[1:]
	}

	leftOff, err := t.writeNode(left)
	if err != nil {
		return err
	}
	rightOff, err := t.writeNode(right)
	if err != nil {
		return err
	}
	n.Children[leftIdx] = ChildRef{First: leftOff, Last: leftOff}
	n.Children[rightIdx] = ChildRef{First: rightOff, Last: rightOff}
	n.Keys[leftIdx] = sep
	return nil
}

// removeValue drops one value from a key's ValueHolder, demoting a
// sub-tree back to an inline array once it reaches VLow or fewer
// entries (spec invariant I5).
func (t *treeEngine) removeValue(vh *ValueHolder, value []byte) (*ValueHolder, error) {
	if !vh.IsSubTree {
		idx, err := t.inlineFind(vh.Inline, value)
		if err != nil {
			return nil, err
		}
		if idx < 0 {
			return nil, newErr(ErrKindKeyNotFound, "DeleteValue", value, nil)
		}
		remaining := append(append([][]byte(nil), vh.Inline[:idx]...), vh.Inline[idx+1:]...)
		return &ValueHolder{Inline: remaining}, nil
	}

	sub := t.subEngine()
	newRoot, err := sub.Delete(vh.SubTree, NewKeyHolderFromBytes(t.vc, value))
	if err != nil {
		return nil, err
	}
	count := vh.SubTreeCount - 1

	if count <= t.opts.VLow {
		values, err := t.collectSubtreeValues(newRoot)
		if err != nil {
			return nil, err
		}
		return &ValueHolder{Inline: values}, nil
	}
	return &ValueHolder{IsSubTree: true, SubTree: newRoot, SubTreeCount: count}, nil
}

func (t *treeEngine) inlineFind(inline [][]byte, value []byte) (int, error) {
	newVal, _, err := t.vc.DeserializeBytes(value, 0)
	if err != nil {
		return -1, newErr(ErrKindSerializer, "inlineFind", value, err)
	}
	for i, v := range inline {
		existing, _, err := t.vc.DeserializeBytes(v, 0)
		if err != nil {
			return -1, newErr(ErrKindSerializer, "inlineFind", v, err)
		}
		if t.vc.Compare(existing, newVal) == 0 {
			return i, nil
		}
	}
	return -1, nil
}
