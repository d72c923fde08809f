package embedkv

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jsteemann/embedkv/codec"
	"github.com/jsteemann/embedkv/internal/logging"
	"github.com/jsteemann/embedkv/internal/metrics"
)

// NoPage is the free-list, Page-IO chain and tree-header chain
// terminator sentinel (spec
// section 6, "NO_PAGE = -1").
const NoPage int64 = -1

const (
	minPageSize        = 32
	defaultPageSize     = 512
	minBranchingFactor  = 2
	defaultBranching    = 16
	defaultCacheCap     = 1000
	defaultVUp          = 8
	defaultVLow         = 1
	defaultReadTimeout  = 10 * time.Second
)

// Options configures a RecordManager. Zero-value fields are replaced
// with the documented defaults by resolve(); this mirrors the teacher's
// NewBufMgr sanitizing bits/nodeMax before use, generalized to the
// engine's richer option set (spec section 6, Configuration).
type Options struct {
	// PageSize is the size in bytes of one physical Page-IO block. Must
	// be a power of two, minimum 32. Default 512.
	PageSize int
	// BranchingFactor (B) bounds Leaf entries and Node keys. Must be a
	// power of two, minimum 2; non-power-of-two values are rounded up.
	// Default 16.
	BranchingFactor int
	// CacheCapacity is the number of decoded pages the LRU page cache
	// retains. Default 1000.
	CacheCapacity int
	// WriteBufferSize is accepted but has no effect: every page is
	// written to the device as soon as it is produced, and no writes are
	// buffered or coalesced until commit.
	WriteBufferSize int
	// VUp and VLow are the duplicate-value array/sub-tree thresholds
	// (spec invariant I5). Defaults 8 and 1.
	VUp  int
	VLow int
	// KeepRevisions stops the tree pages a commit supersedes from being
	// reclaimed: they are neither reused nor recorded anywhere (no
	// copied-pages-tree is kept), so they stay allocated in the file.
	// Superseded tree-header pages are still reclaimed.
	KeepRevisions bool
	// ReadTimeout bounds how long a reader snapshot may live before the
	// background sweeper is allowed to close it (spec section 5).
	// Default 10s; zero selects the default. A negative value disables
	// sweeping.
	ReadTimeout time.Duration
	// AlignedIO opens the backing file with direct I/O (see
	// blockstore.FileOptions.Aligned). Ignored when a custom Device is
	// supplied to Open.
	AlignedIO bool

	// Logger is the logger handed to the engine's components; no engine
	// code path writes events to it. Defaults to an info-level logger on
	// os.Stderr; pass logging.Nop() to silence it.
	Logger *logging.Logger
	// Registerer receives the engine's Prometheus collectors. Left nil,
	// collectors are created but registered nowhere (promauto.With(nil)
	// is a no-op registerer) — pass prometheus.DefaultRegisterer to
	// expose them on the default /metrics handler, or a private
	// *prometheus.Registry to isolate metrics per instance (e.g. in
	// tests that open many engines).
	Registerer prometheus.Registerer

	// Codecs resolves the opaque key/value serializer ids recorded in a
	// tree header back to a codec.Codec instance when Open walks an
	// existing tree header chain. CreateTree callers must register
	// their codecs here under the same ids they pass to CreateTree.
	Codecs map[string]codec.Codec
}

func (o Options) resolve() Options {
	if o.PageSize == 0 {
		o.PageSize = defaultPageSize
	}
	if o.PageSize < minPageSize {
		o.PageSize = minPageSize
	}
	o.PageSize = int(nextPowerOfTwo(uint64(o.PageSize)))

	if o.BranchingFactor == 0 {
		o.BranchingFactor = defaultBranching
	}
	if o.BranchingFactor < minBranchingFactor {
		o.BranchingFactor = minBranchingFactor
	}
	o.BranchingFactor = int(nextPowerOfTwo(uint64(o.BranchingFactor)))

	if o.CacheCapacity == 0 {
		o.CacheCapacity = defaultCacheCap
	}
	if o.VUp == 0 {
		o.VUp = defaultVUp
	}
	if o.VLow == 0 {
		o.VLow = defaultVLow
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.New(logging.Config{Level: "info"})
	}
	return o
}

func (o Options) newMetrics() *metrics.Metrics {
	return metrics.New(o.Registerer)
}

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
