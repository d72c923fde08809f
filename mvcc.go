package embedkv

import (
	"sync/atomic"
	"time"
)

// Snapshot is a reader's pinned view of the engine: a revision plus the
// root offset of every managed tree, captured atomically from the live
// Record-Manager Header (spec section 4.7). All lookups made through a
// Snapshot follow offsets frozen at that moment, regardless of
// concurrent commits (spec section 5's ordering guarantees).
type Snapshot struct {
	rm       *RecordManager
	revision int64
	trees    map[string]treeHeader
	id       int64
	created  time.Time
	timeout  time.Duration
	closed   int32
}

func (s *Snapshot) isClosed() bool { return atomic.LoadInt32(&s.closed) != 0 }

// Close releases the snapshot, unpinning any revision it alone held and
// reclaiming whatever superseded pages that unblocks (spec section 2
// Lifecycle (a)). Reclamation takes the write lock like any other
// mutation of the paged file, so Close briefly blocks on an in-flight
// writer rather than racing its page I/O.
func (s *Snapshot) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.rm.snapshots.Delete(s.id)
	s.rm.metrics.SnapshotsOpen.Dec()

	s.rm.mu.Lock()
	defer s.rm.mu.Unlock()
	return s.rm.reclaimPending()
}

// Revision returns the revision this snapshot pins.
func (s *Snapshot) Revision() int64 { return s.revision }

func (s *Snapshot) engine(treeName string) (*treeEngine, treeHeader, error) {
	if s.isClosed() {
		return nil, treeHeader{}, newErr(ErrKindClosed, "Snapshot", nil, nil)
	}
	th, ok := s.trees[treeName]
	if !ok {
		return nil, treeHeader{}, newErr(ErrKindTreeNotFound, "Snapshot", nil, nil)
	}
	s.rm.headerMu.RLock()
	b, ok := s.rm.trees[treeName]
	s.rm.headerMu.RUnlock()
	if !ok {
		return nil, treeHeader{}, newErr(ErrKindTreeNotFound, "Snapshot", nil, nil)
	}
	return &treeEngine{pf: s.rm.pf, alloc: s.rm.alloc, cache: s.rm.cache, kc: b.kc, vc: b.vc, opts: s.rm.opts, metrics: s.rm.metrics}, th, nil
}

// Get returns the decoded values stored under key in treeName, in
// value-comparator order (a single-element slice for unique-key trees).
func (s *Snapshot) Get(treeName string, key any) ([]any, error) {
	eng, th, err := s.engine(treeName)
	if err != nil {
		return nil, err
	}
	vh, err := eng.Get(th.RootPageOffset, NewKeyHolder(eng.kc, key))
	if err != nil {
		return nil, err
	}
	return eng.materializeValues(vh)
}

// Contains reports whether value is one of the values stored under key.
func (s *Snapshot) Contains(treeName string, key, value any) (bool, error) {
	values, err := s.Get(treeName, key)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Kind == ErrKindKeyNotFound {
			return false, nil
		}
		return false, err
	}
	eng, th, err := s.engine(treeName)
	if err != nil {
		return false, err
	}
	_ = th
	for _, v := range values {
		if eng.vc.Compare(v, value) == 0 {
			return true, nil
		}
	}
	return false, nil
}

// NbElems returns the tree's element count as of this snapshot.
func (s *Snapshot) NbElems(treeName string) (int64, error) {
	if s.isClosed() {
		return 0, newErr(ErrKindClosed, "Snapshot", nil, nil)
	}
	th, ok := s.trees[treeName]
	if !ok {
		return 0, newErr(ErrKindTreeNotFound, "Snapshot", nil, nil)
	}
	return th.NbElems, nil
}

// Cursor returns a TupleCursor walking treeName's tuples as of this
// snapshot.
func (s *Snapshot) Cursor(treeName string) (*TupleCursor, error) {
	eng, th, err := s.engine(treeName)
	if err != nil {
		return nil, err
	}
	return NewTupleCursor(eng, th.RootPageOffset), nil
}

// WriteTxn is the single in-flight writer (spec section 5): it holds the
// write lock from BeginWrite to Commit/Rollback, accumulates new pages
// through the allocator, and becomes visible to readers only at the
// instant Commit calls PagedFile.CommitHeader.
type WriteTxn struct {
	rm         *RecordManager
	revision   int64
	touched    map[string]*treeHeader // working copies, by tree name
	superseded []int64                // published pages rewritten this txn
	done       bool
}

func (w *WriteTxn) header(treeName string) (*treeHeader, *treeBinding, error) {
	if w.done {
		return nil, nil, newErr(ErrKindClosed, "WriteTxn", nil, nil)
	}
	b, ok := w.rm.trees[treeName]
	if !ok {
		return nil, nil, newErr(ErrKindTreeNotFound, "WriteTxn", nil, nil)
	}
	th, ok := w.touched[treeName]
	if !ok {
		cp := b.header
		th = &cp
		w.touched[treeName] = th
	}
	return th, b, nil
}

func (w *WriteTxn) engineFor(b *treeBinding) *treeEngine {
	return &treeEngine{pf: w.rm.pf, alloc: w.rm.alloc, cache: w.rm.cache, kc: b.kc, vc: b.vc, opts: w.rm.opts, metrics: w.rm.metrics, revision: w.revision, superseded: new([]int64)}
}

// absorb folds a just-finished engine call's superseded pages into the
// transaction's running list, reclaimed together at Commit.
func (w *WriteTxn) absorb(eng *treeEngine) {
	if eng.superseded == nil {
		return
	}
	w.superseded = append(w.superseded, *eng.superseded...)
}

// Insert adds value under key in treeName, replacing the prior value
// when the tree disallows duplicates, or adding it to key's value set
// otherwise (spec section 4.6).
func (w *WriteTxn) Insert(treeName string, key, value any) error {
	th, b, err := w.header(treeName)
	if err != nil {
		return err
	}
	eng := w.engineFor(b)

	rawVal, err := b.vc.Serialize(nil, value)
	if err != nil {
		return newErr(ErrKindSerializer, "Insert", nil, err)
	}

	existed := false
	if !th.AllowDuplicates {
		if _, err := eng.Get(th.RootPageOffset, NewKeyHolder(b.kc, key)); err == nil {
			existed = true
		}
	}

	newRoot, err := eng.Insert(th.RootPageOffset, NewKeyHolder(b.kc, key), rawVal, th.AllowDuplicates)
	if err != nil {
		return err
	}
	w.absorb(eng)
	th.RootPageOffset = newRoot
	th.Revision = w.revision
	if !existed {
		th.NbElems++
	}
	return nil
}

// Delete removes key and every value stored under it.
func (w *WriteTxn) Delete(treeName string, key any) error {
	th, b, err := w.header(treeName)
	if err != nil {
		return err
	}
	eng := w.engineFor(b)

	vh, err := eng.Get(th.RootPageOffset, NewKeyHolder(b.kc, key))
	if err != nil {
		return err
	}
	removed := vh.Count()

	newRoot, err := eng.Delete(th.RootPageOffset, NewKeyHolder(b.kc, key))
	if err != nil {
		return err
	}
	w.absorb(eng)
	th.RootPageOffset = newRoot
	th.Revision = w.revision
	th.NbElems -= int64(removed)
	return nil
}

// DeleteValue removes a single value from key's duplicate set.
func (w *WriteTxn) DeleteValue(treeName string, key, value any) error {
	th, b, err := w.header(treeName)
	if err != nil {
		return err
	}
	eng := w.engineFor(b)

	rawVal, err := b.vc.Serialize(nil, value)
	if err != nil {
		return newErr(ErrKindSerializer, "DeleteValue", nil, err)
	}
	newRoot, err := eng.DeleteValue(th.RootPageOffset, NewKeyHolder(b.kc, key), rawVal)
	if err != nil {
		return err
	}
	w.absorb(eng)
	th.RootPageOffset = newRoot
	th.Revision = w.revision
	th.NbElems--
	return nil
}

// Commit flushes the write-ahead object map (already on disk page by
// page as each algorithm step ran), rewrites the tree header chain, and
// calls PagedFile.CommitHeader — the single linearization point after
// which every touched tree's new revision is visible to new snapshots
// (spec section 4.7).
func (w *WriteTxn) Commit() error {
	if w.done {
		return newErr(ErrKindClosed, "Commit", nil, nil)
	}
	w.done = true
	defer w.rm.mu.Unlock()
	start := time.Now()

	w.rm.headerMu.Lock()
	for name, th := range w.touched {
		w.rm.trees[name].header = *th
	}
	w.rm.headerMu.Unlock()

	// Queue every page this transaction copy-on-wrote a replacement
	// for. With retention enabled these offsets would instead be
	// recorded in the copied-pages-tree for a later sweep (spec section
	// 4.7); this engine defers that bookkeeping (see DESIGN.md). With
	// retention disabled they still cannot be freed out from under a
	// reader snapshot pinned to an older revision (spec section 2
	// Lifecycle (a)), so they go through the same pinned-revision queue
	// persistHeaders uses for its own superseded header pages.
	if !w.rm.opts.KeepRevisions && len(w.superseded) > 0 {
		if err := w.rm.deferFree(w.revision, w.superseded); err != nil {
			return err
		}
	}

	if err := w.rm.persistHeaders(w.revision); err != nil {
		return err
	}
	for name := range w.touched {
		w.rm.metrics.CommitsTotal.WithLabelValues(name).Inc()
	}
	w.rm.metrics.CommitDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Rollback abandons the transaction. Pages already allocated during the
// attempt are orphaned: they are not returned to the free list, then or
// on any later commit, and stay allocated in the file. No header is
// written, so readers never observe the abandoned work.
func (w *WriteTxn) Rollback() error {
	if w.done {
		return nil
	}
	w.done = true
	w.rm.mu.Unlock()
	return nil
}
