package blockstore

import (
	"io"
	"sync"

	"github.com/dsnet/golib/memfile"
)

// MemDevice is an in-memory Device backed by dsnet/golib/memfile. It is
// used by the engine's test suite and by callers that want a scratch
// engine instance with no filesystem footprint (see the reopen-after-
// close coverage in recordmanager_test.go).
//
// MemDevice tracks its own logical size independent of the underlying
// buffer's capacity so Truncate can shrink without the library's support
// for it.
type MemDevice struct {
	mu   sync.Mutex
	f    *memfile.File
	size int64
}

// NewMem creates an empty in-memory device, or one preloaded with the
// given bytes (useful for re-opening a snapshot captured by Bytes).
func NewMem(initial []byte) *MemDevice {
	buf := append([]byte(nil), initial...)
	return &MemDevice{f: memfile.New(buf), size: int64(len(buf))}
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off >= d.size {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if end > d.size {
		n, err := d.f.ReadAt(p[:d.size-off], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return d.f.ReadAt(p, off)
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.f.WriteAt(p, off)
	if end := off + int64(n); end > d.size {
		d.size = end
	}
	return n, err
}

func (d *MemDevice) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size, nil
}

func (d *MemDevice) Truncate(n int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > d.size {
		zeros := make([]byte, n-d.size)
		if _, err := d.f.WriteAt(zeros, d.size); err != nil {
			return err
		}
	}
	d.size = n
	return nil
}

func (d *MemDevice) Sync() error { return nil }

func (d *MemDevice) Close() error {
	if c, ok := any(d.f).(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Bytes returns a copy of the device's current logical contents, e.g. to
// feed a fresh MemDevice for a "reopen after crash" test scenario.
func (d *MemDevice) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, d.size)
	_, _ = d.f.ReadAt(out, 0)
	return out
}
