package embedkv

import (
	"fmt"

	"github.com/jsteemann/embedkv/blockstore"
	"github.com/jsteemann/embedkv/internal/logging"
	"github.com/jsteemann/embedkv/internal/metrics"
)

// PagedFile is the addressable, durable page store of spec section 4.1.
// It knows nothing about B+Trees: it reads and writes fixed-size blocks
// at byte offsets, follows and builds Page-IO chains, and exposes the
// single linearization point of a commit, CommitHeader.
type PagedFile struct {
	dev      blockstore.Device
	pageSize int
	metrics  *metrics.Metrics
	logger   *logging.Logger
}

// OpenPagedFile wraps dev as a PagedFile of the given page size. If dev
// is empty, a zeroed reserved header region (spec section 6) is written
// so the file is never shorter than one page. pageSize must already be
// a sanitized power of two; Options.resolve is responsible for that.
func OpenPagedFile(dev blockstore.Device, pageSize int, m *metrics.Metrics, lg *logging.Logger) (*PagedFile, error) {
	pf := &PagedFile{dev: dev, pageSize: pageSize, metrics: m, logger: lg}

	size, err := dev.Size()
	if err != nil {
		return nil, newErr(ErrKindIO, "OpenPagedFile", nil, err)
	}
	if size == 0 {
		if err := dev.Truncate(int64(pageSize)); err != nil {
			return nil, newErr(ErrKindIO, "OpenPagedFile", nil, err)
		}
	} else if size < int64(pageSize) {
		return nil, newErr(ErrKindCorrupt, "OpenPagedFile", nil,
			fmt.Errorf("file shorter than one page: %d bytes, page size %d", size, pageSize))
	}
	return pf, nil
}

// PageSize returns the fixed block size this PagedFile was opened with.
func (pf *PagedFile) PageSize() int { return pf.pageSize }

// Size reports the current length of the underlying device.
func (pf *PagedFile) Size() (int64, error) { return pf.dev.Size() }

// Grow extends the device by exactly one page and returns the offset of
// the new (zeroed) page, used by the allocator when the free list is
// empty (spec section 4.2).
func (pf *PagedFile) Grow() (int64, error) {
	size, err := pf.dev.Size()
	if err != nil {
		return 0, newErr(ErrKindIO, "Grow", nil, err)
	}
	if err := pf.dev.Truncate(size + int64(pf.pageSize)); err != nil {
		return 0, newErr(ErrKindIO, "Grow", nil, err)
	}
	return size, nil
}

// ReadPage reads the single Page-IO at offset. first must be true iff
// offset is the head of its logical chain (spec's variable-length
// header applies only there).
func (pf *PagedFile) ReadPage(offset int64, first bool) (*PageIO, error) {
	buf := make([]byte, pf.pageSize)
	size, err := pf.dev.Size()
	if err != nil {
		return nil, newErr(ErrKindIO, "ReadPage", nil, err)
	}
	if offset+int64(pf.pageSize) > size {
		return nil, newErr(ErrKindEOF, "ReadPage", nil,
			fmt.Errorf("offset %d + page size %d exceeds file size %d", offset, pf.pageSize, size))
	}
	if _, err := pf.dev.ReadAt(buf, offset); err != nil {
		return nil, newErr(ErrKindIO, "ReadPage", nil, err)
	}
	if pf.metrics != nil {
		pf.metrics.PageReadsTotal.Inc()
	}
	return decodePageIO(buf, offset, first), nil
}

// WritePage writes pio at pio.Offset, extending the file when that
// offset equals the current end of file (spec section 4.1).
func (pf *PagedFile) WritePage(pio *PageIO, first bool) error {
	if pio.Offset < int64(pf.pageSize) {
		return newErr(ErrKindIllegalArgument, "WritePage", nil,
			fmt.Errorf("offset %d falls inside the reserved header region", pio.Offset))
	}
	size, err := pf.dev.Size()
	if err != nil {
		return newErr(ErrKindIO, "WritePage", nil, err)
	}
	if pio.Offset > size {
		return newErr(ErrKindIllegalArgument, "WritePage", nil,
			fmt.Errorf("offset %d leaves a gap past end of file %d", pio.Offset, size))
	}
	if pio.Offset == size {
		if err := pf.dev.Truncate(size + int64(pf.pageSize)); err != nil {
			return newErr(ErrKindIO, "WritePage", nil, err)
		}
	}
	buf := pio.encode(pf.pageSize, first)
	if _, err := pf.dev.WriteAt(buf, pio.Offset); err != nil {
		return newErr(ErrKindIO, "WritePage", nil, err)
	}
	if pf.metrics != nil {
		pf.metrics.PageWritesTotal.Inc()
	}
	return nil
}

// ReadRecord follows next-page links starting at firstOffset until limit
// payload bytes have been traversed or the chain terminates, returning
// every Page-IO visited in chain order (spec section 4.1).
func (pf *PagedFile) ReadRecord(firstOffset int64, limit int) ([]*PageIO, error) {
	head, err := pf.ReadPage(firstOffset, true)
	if err != nil {
		return nil, err
	}
	chain := []*PageIO{head}
	read := len(head.Payload)
	next := head.Next
	for read < limit && next != NoPage {
		pio, err := pf.ReadPage(next, false)
		if err != nil {
			return nil, err
		}
		chain = append(chain, pio)
		read += len(pio.Payload)
		next = pio.Next
	}
	return chain, nil
}

// WriteRecord flushes a chain of Page-IOs in order; pages[0] is treated
// as the head of the chain (spec section 4.1).
func (pf *PagedFile) WriteRecord(pages []*PageIO) error {
	for i, pio := range pages {
		if err := pf.WritePage(pio, i == 0); err != nil {
			return err
		}
	}
	return nil
}

// CommitHeader writes the Record-Manager Header into the reserved
// region at offset 0 and issues a durability barrier. This call is the
// single linearization point of a commit (spec section 4.1, 4.7): once
// it returns, the new revision is visible to every subsequent snapshot.
func (pf *PagedFile) CommitHeader(data []byte) error {
	if len(data) > pf.pageSize {
		return newErr(ErrKindIllegalArgument, "CommitHeader", nil,
			fmt.Errorf("header %d bytes exceeds page size %d", len(data), pf.pageSize))
	}
	buf := make([]byte, pf.pageSize)
	copy(buf, data)
	if _, err := pf.dev.WriteAt(buf, 0); err != nil {
		return newErr(ErrKindIO, "CommitHeader", nil, err)
	}
	if err := pf.dev.Sync(); err != nil {
		return newErr(ErrKindIO, "CommitHeader", nil, err)
	}
	if pf.metrics != nil {
		pf.metrics.PageWritesTotal.Inc()
	}
	return nil
}

// ReadHeader reads the raw reserved-region bytes back, for
// RecordManager.Open to decode.
func (pf *PagedFile) ReadHeader() ([]byte, error) {
	buf := make([]byte, pf.pageSize)
	if _, err := pf.dev.ReadAt(buf, 0); err != nil {
		return nil, newErr(ErrKindIO, "ReadHeader", nil, err)
	}
	return buf, nil
}

// Close releases the underlying device.
func (pf *PagedFile) Close() error {
	if err := pf.dev.Close(); err != nil {
		return newErr(ErrKindIO, "Close", nil, err)
	}
	return nil
}
