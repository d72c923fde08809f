package embedkv

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jsteemann/embedkv/blockstore"
	"github.com/jsteemann/embedkv/codec"
	"github.com/jsteemann/embedkv/internal/logging"
	"github.com/jsteemann/embedkv/internal/metrics"
)

// treeBinding is a managed tree's live state: its on-disk header and the
// codecs resolved for it (spec section 4.8's "ordered list of managed
// trees").
type treeBinding struct {
	header treeHeader
	kc     codec.KeyCodec
	vc     codec.ValueCodec

	// headerOffset is the first Page-IO of this tree's current header
	// chain, so the next persistHeaders call can supersede it instead of
	// leaking it (spec section 4.2). NoPage before the tree's header has
	// ever been written.
	headerOffset int64
}

// RecordManager owns the paged file, the free-page allocator, the page
// cache, and the registry of managed trees, and is the sole entry point
// for transactions (spec section 4.8).
type RecordManager struct {
	pf      *PagedFile
	alloc   *FreeAllocator
	cache   *PageCache
	metrics *metrics.Metrics
	logger  *logging.Logger
	opts    Options

	mu sync.Mutex // the write lock: held from BeginWrite to Commit/Rollback

	headerMu  sync.RWMutex
	rmHdr     rmHeader
	trees     map[string]*treeBinding
	treeOrder []string

	nextSnapshotID int64
	snapshots      sync.Map // int64 -> *Snapshot

	// pendingFree holds pages superseded by a commit but not yet
	// returned to the free list because some open snapshot still pins
	// an earlier revision (spec section 2 Lifecycle (a): reclaim
	// "retention is disabled and no reader snapshot references it").
	// Ordered by ascending revision.
	pendingMu   sync.Mutex
	pendingFree []pendingFreeBatch

	closed bool
}

// pendingFreeBatch is a set of pages superseded while committing to
// revision: safe to free once no open snapshot pins a revision earlier
// than this one.
type pendingFreeBatch struct {
	revision int64
	offsets  []int64
}

// Open initializes a fresh file or loads an existing one (spec section
// 4.8). opts.Codecs resolves the key/value serializer ids recorded in
// each tree header back to a codec.Codec; a tree whose id is missing
// from the registry fails to load with ErrKindSerializer.
func Open(path string, opts Options) (*RecordManager, error) {
	opts = opts.resolve()
	dev, err := blockstore.OpenFile(path, blockstore.FileOptions{Aligned: opts.AlignedIO})
	if err != nil {
		return nil, newErr(ErrKindIO, "Open", nil, err)
	}
	return openDevice(dev, opts)
}

// OpenDevice wires the engine onto a caller-supplied blockstore.Device,
// primarily for tests that want an in-memory file (blockstore.MemDevice).
func OpenDevice(dev blockstore.Device, opts Options) (*RecordManager, error) {
	return openDevice(dev, opts.resolve())
}

func openDevice(dev blockstore.Device, opts Options) (*RecordManager, error) {
	m := opts.newMetrics()
	pf, err := OpenPagedFile(dev, opts.PageSize, m, opts.Logger)
	if err != nil {
		return nil, err
	}

	raw, err := pf.ReadHeader()
	if err != nil {
		return nil, err
	}

	rm := &RecordManager{
		pf:      pf,
		cache:   NewPageCache(opts.CacheCapacity, m),
		metrics: m,
		logger:  opts.Logger,
		opts:    opts,
		trees:   make(map[string]*treeBinding),
	}

	if rmHeaderIsZero(raw) {
		rm.rmHdr = rmHeader{
			PageSize:        int32(opts.PageSize),
			FirstFreePage:   NoPage,
			LastFreePage:    NoPage,
			FirstTreeOffset: NoPage,
		}
		rm.alloc = NewFreeAllocator(pf, NoPage, NoPage)
		if err := pf.CommitHeader(rm.rmHdr.encode()); err != nil {
			return nil, err
		}
		return rm, nil
	}

	hdr, err := decodeRMHeader(raw)
	if err != nil {
		return nil, err
	}
	if hdr.PageSize != int32(opts.PageSize) {
		return nil, newErr(ErrKindCorrupt, "Open", nil,
			fmt.Errorf("header page size %d does not match configured %d", hdr.PageSize, opts.PageSize))
	}
	rm.rmHdr = hdr
	rm.alloc = NewFreeAllocator(pf, hdr.FirstFreePage, hdr.LastFreePage)

	offset := hdr.FirstTreeOffset
	for offset != NoPage {
		buf, err := readPayload(pf, offset)
		if err != nil {
			return nil, err
		}
		th, err := decodeTreeHeader(buf)
		if err != nil {
			return nil, err
		}
		kc, ok := opts.Codecs[th.KeySerializerID]
		if !ok {
			return nil, newErr(ErrKindSerializer, "Open", nil,
				fmt.Errorf("no codec registered for key serializer id %q", th.KeySerializerID))
		}
		vc, ok := opts.Codecs[th.ValSerializerID]
		if !ok {
			return nil, newErr(ErrKindSerializer, "Open", nil,
				fmt.Errorf("no codec registered for value serializer id %q", th.ValSerializerID))
		}
		rm.trees[th.TreeName] = &treeBinding{header: th, kc: kc, vc: vc, headerOffset: offset}
		rm.treeOrder = append(rm.treeOrder, th.TreeName)
		offset = th.NextTreeOffset
	}

	return rm, nil
}

// CreateTree registers a new, empty tree. keyID/valID are opaque
// serializer identifiers persisted in the tree header so a later Open
// can resolve kc/vc again via Options.Codecs.
func (rm *RecordManager) CreateTree(name, keyID string, kc codec.KeyCodec, valID string, vc codec.ValueCodec, allowDuplicates bool) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, exists := rm.trees[name]; exists {
		return newErr(ErrKindTreeExists, "CreateTree", nil, nil)
	}

	revision := rm.rmHdr.Revision + 1
	eng := &treeEngine{pf: rm.pf, alloc: rm.alloc, cache: rm.cache, kc: kc, vc: vc, opts: rm.opts, metrics: rm.metrics, revision: revision}
	root, err := eng.writeLeaf(&Leaf{})
	if err != nil {
		return err
	}

	rm.headerMu.Lock()
	rm.trees[name] = &treeBinding{
		header: treeHeader{
			Revision:        revision,
			RootPageOffset:  root,
			BranchingFactor: int32(rm.opts.BranchingFactor),
			TreeName:        name,
			KeySerializerID: keyID,
			ValSerializerID: valID,
			AllowDuplicates: allowDuplicates,
		},
		kc:           kc,
		vc:           vc,
		headerOffset: NoPage,
	}
	rm.treeOrder = append(rm.treeOrder, name)
	rm.headerMu.Unlock()

	return rm.persistHeaders(revision)
}

// persistHeaders rewrites every managed tree's header and the
// Record-Manager Header, then commits — the single linearization point
// of this revision (spec section 4.7). Callers must hold rm.mu. The
// header chain each tree carried into this call is itself a COW-
// replaced page and is queued for reclamation exactly like any other
// superseded page (no snapshot ever keeps an offset into a header
// chain, only into a tree's decoded RootPageOffset, but routing it
// through the same pinned-revision queue costs nothing and keeps one
// reclamation path).
func (rm *RecordManager) persistHeaders(revision int64) error {
	var oldHeaderPages []int64

	rm.headerMu.Lock()
	next := int64(NoPage)
	for i := len(rm.treeOrder) - 1; i >= 0; i-- {
		name := rm.treeOrder[i]
		b := rm.trees[name]
		b.header.NextTreeOffset = next

		payload := b.header.encode()
		chain, err := rm.alloc.AllocateChain(payload)
		if err != nil {
			rm.headerMu.Unlock()
			return err
		}
		if err := rm.pf.WriteRecord(chain); err != nil {
			rm.headerMu.Unlock()
			return err
		}
		if b.headerOffset != NoPage {
			oldHeaderPages = append(oldHeaderPages, b.headerOffset)
		}
		b.headerOffset = chain[0].Offset
		next = chain[0].Offset
	}

	rm.rmHdr.Revision = revision
	rm.rmHdr.FirstTreeOffset = next
	rm.rmHdr.NumManagedTrees = int32(len(rm.treeOrder))
	rm.rmHdr.FirstFreePage = rm.alloc.FirstFree()
	rm.rmHdr.LastFreePage = rm.alloc.LastFree()

	err := rm.pf.CommitHeader(rm.rmHdr.encode())
	rm.headerMu.Unlock()
	if err != nil {
		return err
	}

	if len(oldHeaderPages) > 0 {
		if err := rm.deferFree(revision, oldHeaderPages); err != nil {
			return err
		}
	}
	rm.metrics.FreeListLength.Set(float64(rm.alloc.Len()))
	return nil
}

// deferFree queues offsets superseded while committing to revision and
// reclaims whatever is now safe (spec section 2 Lifecycle (a)). Callers
// must hold rm.mu: reclamation writes pages through the same PagedFile
// a concurrent writer would, and PagedFile itself does no locking of
// its own (spec section 5's single-writer lock is what serializes it).
func (rm *RecordManager) deferFree(revision int64, offsets []int64) error {
	if len(offsets) == 0 {
		return nil
	}
	rm.pendingMu.Lock()
	rm.pendingFree = append(rm.pendingFree, pendingFreeBatch{revision: revision, offsets: offsets})
	rm.pendingMu.Unlock()
	return rm.reclaimPending()
}

// reclaimPending frees every queued batch whose revision no open
// snapshot still pins. Revisions are non-decreasing across the queue,
// so the first batch that is not yet safe means none after it are
// either. Callers must hold rm.mu (see deferFree).
func (rm *RecordManager) reclaimPending() error {
	minPinned := rm.minPinnedRevision()

	rm.pendingMu.Lock()
	i := 0
	var ready []int64
	for ; i < len(rm.pendingFree); i++ {
		batch := rm.pendingFree[i]
		if minPinned >= 0 && batch.revision > minPinned {
			break
		}
		ready = append(ready, batch.offsets...)
	}
	rm.pendingFree = rm.pendingFree[i:]
	rm.pendingMu.Unlock()

	if len(ready) == 0 {
		return nil
	}
	for _, offset := range ready {
		rm.cache.Invalidate(offset)
	}
	return rm.alloc.FreeChains(rm.pf, ready)
}

// minPinnedRevision returns the oldest revision any open snapshot still
// pins, or -1 if none are open.
func (rm *RecordManager) minPinnedRevision() int64 {
	min := int64(-1)
	rm.snapshots.Range(func(_, value any) bool {
		s := value.(*Snapshot)
		if min == -1 || s.revision < min {
			min = s.revision
		}
		return true
	})
	return min
}

// BeginRead captures the live header atomically and returns a Snapshot
// pinned to that revision (spec section 4.7).
func (rm *RecordManager) BeginRead() *Snapshot {
	rm.headerMu.RLock()
	trees := make(map[string]treeHeader, len(rm.trees))
	for name, b := range rm.trees {
		trees[name] = b.header
	}
	revision := rm.rmHdr.Revision
	id := atomic.AddInt64(&rm.nextSnapshotID, 1)
	s := &Snapshot{rm: rm, revision: revision, trees: trees, id: id, created: time.Now(), timeout: rm.opts.ReadTimeout}
	rm.snapshots.Store(id, s)
	rm.headerMu.RUnlock()

	rm.metrics.SnapshotsOpen.Inc()
	return s
}

// BeginWrite acquires the write lock and returns a WriteTxn. The lock is
// released by Commit or Rollback.
func (rm *RecordManager) BeginWrite() *WriteTxn {
	rm.mu.Lock()
	return &WriteTxn{rm: rm, revision: rm.rmHdr.Revision + 1, touched: make(map[string]*treeHeader)}
}

// Close flushes no further state (every commit is already durable) and
// releases the underlying device.
func (rm *RecordManager) Close() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil
	}
	rm.closed = true
	return rm.pf.Close()
}

// Sweep closes every snapshot older than now-ReadTimeout, per spec
// section 5's advisory sweeper.
func (rm *RecordManager) Sweep(now time.Time) {
	rm.snapshots.Range(func(key, value any) bool {
		s := value.(*Snapshot)
		if s.timeout > 0 && now.Sub(s.created) > s.timeout {
			if err := s.Close(); err == nil {
				rm.metrics.SnapshotsSwept.Inc()
			}
		}
		return true
	})
}

// CheckIntegrity walks the free list and every managed tree's reachable
// pages, confirming no page is referenced twice, every offset is a
// page-aligned offset past the reserved header region, and the free list
// terminates (spec section 4.8). The continuation Page-IOs of a page's
// chain and the tree-header chain are not walked.
func (rm *RecordManager) CheckIntegrity() error {
	rm.headerMu.RLock()
	defer rm.headerMu.RUnlock()

	seen := make(map[int64]string)

	mark := func(offset int64, owner string) error {
		if offset < int64(rm.opts.PageSize) || offset%int64(rm.opts.PageSize) != 0 {
			return newErr(ErrKindCorrupt, "CheckIntegrity", nil,
				fmt.Errorf("page %d reachable from %q is not a valid page offset", offset, owner))
		}
		if prev, ok := seen[offset]; ok {
			return newErr(ErrKindCorrupt, "CheckIntegrity", nil,
				fmt.Errorf("page %d reachable from both %q and %q", offset, prev, owner))
		}
		seen[offset] = owner
		return nil
	}

	free := rm.rmHdr.FirstFreePage
	steps := 0
	for free != NoPage {
		steps++
		if steps > 1_000_000 {
			return newErr(ErrKindCorrupt, "CheckIntegrity", nil, fmt.Errorf("free list does not terminate"))
		}
		if err := mark(free, "free-list"); err != nil {
			return err
		}
		pio, err := rm.pf.ReadPage(free, false)
		if err != nil {
			return err
		}
		free = pio.Next
	}

	for name, b := range rm.trees {
		eng := &treeEngine{pf: rm.pf, alloc: rm.alloc, cache: rm.cache, kc: b.kc, vc: b.vc, opts: rm.opts, metrics: rm.metrics}
		if err := eng.walkReachable(b.header.RootPageOffset, name, mark); err != nil {
			return err
		}
	}
	return nil
}

// walkReachable recursively marks every page offset reachable from
// root, including duplicate-value sub-trees, failing if any offset is
// seen twice.
func (t *treeEngine) walkReachable(offset int64, owner string, mark func(int64, string) error) error {
	if err := mark(offset, owner); err != nil {
		return err
	}
	isLeaf, err := t.isLeafPage(offset)
	if err != nil {
		return err
	}
	if isLeaf {
		l, err := t.loadLeaf(offset)
		if err != nil {
			return err
		}
		for _, vh := range l.Values {
			if vh.IsSubTree {
				sub := t.subEngine()
				if err := sub.walkReachable(vh.SubTree, owner+"/dup", mark); err != nil {
					return err
				}
			}
		}
		return nil
	}
	n, err := t.loadNode(offset)
	if err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := t.walkReachable(c.First, owner, mark); err != nil {
			return err
		}
	}
	return nil
}
