package embedkv

import "sync"

// FreeAllocator manages the singly linked free-page list anchored at the
// Record-Manager Header's first/last free page offsets (spec section
// 4.2). It hands out pages from that list before ever extending the
// file, and the list is acyclic by construction (invariant I6): a page
// is linked in exactly once, at the moment it is freed, and popped
// exactly once, at the moment it is allocated.
//
// FreeAllocator itself does not decide retention or snapshot-safety
// policy; RecordManager only calls FreePages/FreeChains for pages it has
// already confirmed are unreachable from both retention (spec section
// 4.7, when the engine is configured without it) and any open reader
// snapshot (spec section 2 Lifecycle (a)) — see reclaimPending.
type FreeAllocator struct {
	pf *PagedFile

	mu         sync.Mutex
	firstFree  int64
	lastFree   int64
	length     int64
}

// NewFreeAllocator wraps pf, seeded with the first/last free offsets
// recorded in the current Record-Manager Header.
func NewFreeAllocator(pf *PagedFile, firstFree, lastFree int64) *FreeAllocator {
	return &FreeAllocator{pf: pf, firstFree: firstFree, lastFree: lastFree}
}

// FirstFree and LastFree expose the current list anchors so the caller
// can persist them into the next Record-Manager Header.
func (a *FreeAllocator) FirstFree() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.firstFree
}

func (a *FreeAllocator) LastFree() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastFree
}

// Len reports how many page-IOs currently sit on the free list.
func (a *FreeAllocator) Len() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.length
}

// AllocatePage returns a fresh, empty Page-IO: popped from the free list
// when non-empty, otherwise carved from the end of the file (spec
// section 4.2). The returned page has Next reset to NoPage and an empty
// payload.
func (a *FreeAllocator) AllocatePage() (*PageIO, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.firstFree == NoPage {
		offset, err := a.pf.Grow()
		if err != nil {
			return nil, err
		}
		return &PageIO{Offset: offset, Next: NoPage}, nil
	}

	offset := a.firstFree
	head, err := a.pf.ReadPage(offset, false)
	if err != nil {
		return nil, err
	}
	a.firstFree = head.Next
	a.length--
	if a.firstFree == NoPage {
		a.lastFree = NoPage
	}
	return &PageIO{Offset: offset, Next: NoPage}, nil
}

// AllocateChain allocates as many Page-IOs as payload needs and links
// them via Next, splitting payload across the head's and continuation
// pages' usable capacity (spec section 4.1's "usable-size-per-page"
// arithmetic).
func (a *FreeAllocator) AllocateChain(payload []byte) ([]*PageIO, error) {
	pageSize := a.pf.PageSize()
	headCap := usablePayload(pageSize, true)
	contCap := usablePayload(pageSize, false)

	head, err := a.AllocatePage()
	if err != nil {
		return nil, err
	}
	chain := []*PageIO{head}

	n := len(payload)
	take := n
	if take > headCap {
		take = headCap
	}
	head.Payload = payload[:take]
	head.Size = uint32(n)
	rest := payload[take:]

	prev := head
	for len(rest) > 0 {
		pio, err := a.AllocatePage()
		if err != nil {
			return nil, err
		}
		take := len(rest)
		if take > contCap {
			take = contCap
		}
		pio.Payload = rest[:take]
		rest = rest[take:]
		prev.Next = pio.Offset
		chain = append(chain, pio)
		prev = pio
	}
	return chain, nil
}

// FreePages prepends pages to the free list in bulk, in the order
// given, and persists the new Next links to disk immediately so a
// concurrent AllocatePage (always serialized by the caller's write lock)
// sees a consistent chain.
func (a *FreeAllocator) FreePages(pages []*PageIO) error {
	if len(pages) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, pio := range pages {
		pio.Payload = nil
		pio.Size = 0
		if i+1 < len(pages) {
			pio.Next = pages[i+1].Offset
		} else {
			pio.Next = a.firstFree
		}
		if err := a.pf.WritePage(pio, false); err != nil {
			return err
		}
	}

	if a.firstFree == NoPage {
		a.lastFree = pages[len(pages)-1].Offset
	}
	a.firstFree = pages[0].Offset
	a.length += int64(len(pages))
	return nil
}

// maxChainRead bounds ReadRecord's traversal when reclaiming a chain
// whose head Size we deliberately don't bother reading first: the Next
// link always terminates the walk before this many bytes are read.
const maxChainRead = 1<<31 - 1

// FreeChains reclaims every Page-IO making up each logical page rooted
// at offsets, following Next links to the end of each chain, and
// returns them to the free list (spec section 4.2's immediate-reuse
// policy for retention-disabled engines).
func (a *FreeAllocator) FreeChains(pf *PagedFile, offsets []int64) error {
	if len(offsets) == 0 {
		return nil
	}
	var pages []*PageIO
	for _, off := range offsets {
		chain, err := pf.ReadRecord(off, maxChainRead)
		if err != nil {
			return err
		}
		pages = append(pages, chain...)
	}
	return a.FreePages(pages)
}
