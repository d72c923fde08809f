package blockstore

import (
	"os"

	"github.com/ncw/directio"
)

// FileOptions controls how a FileDevice opens its backing file.
type FileOptions struct {
	// Aligned requests O_DIRECT-style unbuffered I/O via ncw/directio.
	// The caller is then responsible for passing directio.AlignedBlock
	// buffers of directio.BlockSize multiples to ReadAt/WriteAt; the
	// PagedFile does this whenever the configured page size is itself a
	// multiple of directio.BlockSize.
	Aligned bool
}

// FileDevice is the production Device: a single on-disk file holding one
// or more named B+Trees, exactly as described in spec section 1.
type FileDevice struct {
	f *os.File
}

// OpenFile opens (or creates) path as a FileDevice. When opts.Aligned is
// set, the file is opened with direct I/O so page writes bypass the page
// cache of the host OS and commit_header's Sync call is the only barrier
// standing between a write and the platter.
func OpenFile(path string, opts FileOptions) (*FileDevice, error) {
	flags := os.O_RDWR | os.O_CREATE
	var f *os.File
	var err error
	if opts.Aligned {
		f, err = directio.OpenFile(path, flags, 0o644)
	} else {
		f, err = os.OpenFile(path, flags, 0o644)
	}
	if err != nil {
		return nil, err
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }

func (d *FileDevice) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (d *FileDevice) Truncate(n int64) error { return d.f.Truncate(n) }
func (d *FileDevice) Sync() error            { return d.f.Sync() }
func (d *FileDevice) Close() error           { return d.f.Close() }

// AlignedBlockSize is the block granularity direct I/O requires. Callers
// opening a FileDevice with FileOptions.Aligned should pick a page size
// that is a multiple of this value.
const AlignedBlockSize = directio.BlockSize

// AlignedBuffer allocates a zeroed, alignment-satisfying buffer of n
// bytes for use with a direct-I/O FileDevice.
func AlignedBuffer(n int) []byte {
	return directio.AlignedBlock(n)
}
