package embedkv

// cursor.go implements TupleCursor: a lazy, restartable walk over a
// snapshot's (key, value) tuples in key order, with duplicates in
// value-comparator order (spec section 4.6). The path stack is a plain
// growable slice; spec's design note suggests bounding it at depth 32
// as a capacity hint, which append's own growth policy already
// delivers without a fixed-size array.

// cursorFrame is one ancestor Node on the path from root to the current
// leaf, together with which child is currently being visited.
type cursorFrame struct {
	node     *Node
	childIdx int
}

// TupleCursor walks one tree (or duplicate-value sub-tree) from root,
// in either direction, exposing BEFORE_FIRST and AFTER_LAST as sentinel
// positions distinct from any valid index.
type TupleCursor struct {
	eng  *treeEngine
	root int64

	stack      []cursorFrame
	leaf       *Leaf
	entryIdx   int
	curKey     any
	values     []any
	valueIdx   int

	beforeFirst bool
	afterLast   bool
}

// NewTupleCursor returns a cursor positioned BEFORE_FIRST over the tree
// rooted at root.
func NewTupleCursor(eng *treeEngine, root int64) *TupleCursor {
	return &TupleCursor{eng: eng, root: root, beforeFirst: true}
}

// BeforeFirst rewinds the cursor to its initial sentinel position.
func (c *TupleCursor) BeforeFirst() {
	c.stack, c.leaf, c.values = nil, nil, nil
	c.beforeFirst, c.afterLast = true, false
}

// AfterLast moves the cursor to the sentinel position beyond the last
// tuple, the starting point for a reverse scan (spec P10).
func (c *TupleCursor) AfterLast() {
	c.stack, c.leaf, c.values = nil, nil, nil
	c.beforeFirst, c.afterLast = false, true
}

func (c *TupleCursor) clone() *TupleCursor {
	cp := *c
	cp.stack = append([]cursorFrame(nil), c.stack...)
	cp.values = append([]any(nil), c.values...)
	return &cp
}

// HasNext reports whether Next would return a tuple, without consuming
// it.
func (c *TupleCursor) HasNext() (bool, error) {
	probe := c.clone()
	_, _, ok, err := probe.Next()
	return ok, err
}

// HasPrev is HasNext's mirror for Prev.
func (c *TupleCursor) HasPrev() (bool, error) {
	probe := c.clone()
	_, _, ok, err := probe.Prev()
	return ok, err
}

// Next advances to and returns the next tuple in key, then value,
// order. ok is false once the sequence is exhausted (the cursor is then
// positioned AFTER_LAST).
func (c *TupleCursor) Next() (key any, value any, ok bool, err error) {
	if c.afterLast {
		return nil, nil, false, nil
	}
	if c.values != nil && c.valueIdx+1 < len(c.values) {
		c.valueIdx++
		return c.curKey, c.values[c.valueIdx], true, nil
	}

	if c.beforeFirst {
		stack, leaf, err := descendLeftmost(c.eng, c.root)
		if err != nil {
			return nil, nil, false, err
		}
		c.stack, c.leaf, c.entryIdx, c.beforeFirst = stack, leaf, -1, false
	}

	c.entryIdx++
	for c.leaf == nil || c.entryIdx >= len(c.leaf.Keys) {
		leaf, ok, err := c.advanceToNextLeaf()
		if err != nil {
			return nil, nil, false, err
		}
		if !ok {
			c.afterLast = true
			return nil, nil, false, nil
		}
		c.leaf = leaf
		c.entryIdx = 0
	}

	return c.settle(c.entryIdx)
}

// Prev is Next's mirror, walking backward from AFTER_LAST.
func (c *TupleCursor) Prev() (key any, value any, ok bool, err error) {
	if c.beforeFirst {
		return nil, nil, false, nil
	}
	if c.values != nil && c.valueIdx > 0 {
		c.valueIdx--
		return c.curKey, c.values[c.valueIdx], true, nil
	}

	if c.afterLast {
		stack, leaf, err := descendRightmost(c.eng, c.root)
		if err != nil {
			return nil, nil, false, err
		}
		c.stack, c.leaf, c.afterLast = stack, leaf, false
		c.entryIdx = len(leaf.Keys)
	}

	c.entryIdx--
	for c.leaf == nil || c.entryIdx < 0 {
		leaf, ok, err := c.advanceToPrevLeaf()
		if err != nil {
			return nil, nil, false, err
		}
		if !ok {
			c.beforeFirst = true
			return nil, nil, false, nil
		}
		c.leaf = leaf
		c.entryIdx = len(leaf.Keys) - 1
	}

	key, value, ok, err = c.settle(c.entryIdx)
	if err == nil && ok {
		c.valueIdx = len(c.values) - 1
		value = c.values[c.valueIdx]
	}
	return key, value, ok, err
}

// settle materializes entry idx of the current leaf as the cursor's
// position, returning its first value.
func (c *TupleCursor) settle(idx int) (key any, value any, ok bool, err error) {
	values, err := c.eng.materializeValues(c.leaf.Values[idx])
	if err != nil {
		return nil, nil, false, err
	}
	k, err := c.leaf.Keys[idx].Value()
	if err != nil {
		return nil, nil, false, err
	}
	c.curKey, c.values, c.valueIdx = k, values, 0
	return k, values[0], true, nil
}

// NextKey advances past every remaining value of the current key (if
// any) and returns the next key together with all of its values,
// skipping duplicates (spec section 4.6).
func (c *TupleCursor) NextKey() (key any, values []any, ok bool, err error) {
	if !c.beforeFirst {
		c.values = nil
	}
	k, _, ok, err := c.Next()
	if !ok || err != nil {
		return nil, nil, ok, err
	}
	return k, c.values, true, nil
}

// PrevKey is NextKey's mirror.
func (c *TupleCursor) PrevKey() (key any, values []any, ok bool, err error) {
	if !c.afterLast {
		c.values = nil
	}
	k, _, ok, err := c.Prev()
	if !ok || err != nil {
		return nil, nil, ok, err
	}
	return k, c.values, true, nil
}

// Remove always fails with ErrKindUnsupported: a snapshot's cursor is
// read-only, and tuples are removed through WriteTxn.Delete or
// WriteTxn.DeleteValue.
func (c *TupleCursor) Remove() error {
	return newErr(ErrKindUnsupported, "TupleCursor.Remove", nil, nil)
}

func (c *TupleCursor) advanceToNextLeaf() (*Leaf, bool, error) {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.childIdx+1 < len(top.node.Children) {
			top.childIdx++
			leaf, extra, err := descendLeftmostFrom(c.eng, top.node.Children[top.childIdx].First)
			if err != nil {
				return nil, false, err
			}
			c.stack = append(c.stack, extra...)
			return leaf, true, nil
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return nil, false, nil
}

func (c *TupleCursor) advanceToPrevLeaf() (*Leaf, bool, error) {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.childIdx > 0 {
			top.childIdx--
			leaf, extra, err := descendRightmostFrom(c.eng, top.node.Children[top.childIdx].First)
			if err != nil {
				return nil, false, err
			}
			c.stack = append(c.stack, extra...)
			return leaf, true, nil
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return nil, false, nil
}

// descendLeftmost walks from root down through the first child of every
// Node until it reaches a Leaf, returning the ancestor stack and leaf.
func descendLeftmost(eng *treeEngine, root int64) ([]cursorFrame, *Leaf, error) {
	leaf, frames, err := descendLeftmostFrom(eng, root)
	return frames, leaf, err
}

func descendLeftmostFrom(eng *treeEngine, offset int64) (*Leaf, []cursorFrame, error) {
	var frames []cursorFrame
	for {
		isLeaf, err := eng.isLeafPage(offset)
		if err != nil {
			return nil, nil, err
		}
		if isLeaf {
			l, err := eng.loadLeaf(offset)
			if err != nil {
				return nil, nil, err
			}
			return l, frames, nil
		}
		n, err := eng.loadNode(offset)
		if err != nil {
			return nil, nil, err
		}
		frames = append(frames, cursorFrame{node: n, childIdx: 0})
		offset = n.Children[0].First
	}
}

func descendRightmost(eng *treeEngine, root int64) ([]cursorFrame, *Leaf, error) {
	leaf, frames, err := descendRightmostFrom(eng, root)
	return frames, leaf, err
}

func descendRightmostFrom(eng *treeEngine, offset int64) (*Leaf, []cursorFrame, error) {
	var frames []cursorFrame
	for {
		isLeaf, err := eng.isLeafPage(offset)
		if err != nil {
			return nil, nil, err
		}
		if isLeaf {
			l, err := eng.loadLeaf(offset)
			if err != nil {
				return nil, nil, err
			}
			return l, frames, nil
		}
		n, err := eng.loadNode(offset)
		if err != nil {
			return nil, nil, err
		}
		last := len(n.Children) - 1
		frames = append(frames, cursorFrame{node: n, childIdx: last})
		offset = n.Children[last].First
	}
}
