package embedkv

import "encoding/binary"

// PageIO is one fixed-size physical block: the unit the PagedFile reads
// and writes (spec section 4.1). A Logical Page that does not fit in a
// single PageIO spans a chain of them, linked by Next.
type PageIO struct {
	Offset int64 // this block's own offset; -1 until assigned
	Next   int64 // next block in the chain, NoPage at the terminator
	Size   uint32 // total payload bytes of the whole chain; meaningful
	// only on the first PageIO of a chain, mirrors spec's "payload size
	// (only meaningful in the first page of a chain)"
	Payload []byte
}

// pageIOHeaderSize is the fixed header preceding payload bytes on the
// first block of a chain: next-page offset (8) + payload size (4).
const pageIOHeaderSize = 8 + 4

// pageIOContinuationHeaderSize is the header on every later block of a
// chain: just the next-page offset.
const pageIOContinuationHeaderSize = 8

// usablePayload returns how many payload bytes fit in one PageIO of the
// configured page size, depending on whether it is the first block of
// its chain.
func usablePayload(pageSize int, first bool) int {
	if first {
		return pageSize - pageIOHeaderSize
	}
	return pageSize - pageIOContinuationHeaderSize
}

// encode serializes pio into exactly pageSize bytes, in the layout spec
// section 4.1/6 describes.
func (pio *PageIO) encode(pageSize int, first bool) []byte {
	buf := make([]byte, pageSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(pio.Next))
	if first {
		binary.BigEndian.PutUint32(buf[8:12], pio.Size)
		copy(buf[pageIOHeaderSize:], pio.Payload)
	} else {
		copy(buf[pageIOContinuationHeaderSize:], pio.Payload)
	}
	return buf
}

// decodePageIO parses pageSize bytes read from offset into a PageIO.
// first indicates whether offset is the head of its chain (and therefore
// carries a Size field); the caller knows this from context (it is
// always true for a page passed to ReadRecord's first_offset, and always
// false for the continuation pages ReadRecord follows internally).
func decodePageIO(buf []byte, offset int64, first bool) *PageIO {
	pio := &PageIO{Offset: offset}
	pio.Next = int64(binary.BigEndian.Uint64(buf[0:8]))
	if first {
		pio.Size = binary.BigEndian.Uint32(buf[8:12])
		pio.Payload = append([]byte(nil), buf[pageIOHeaderSize:]...)
	} else {
		pio.Payload = append([]byte(nil), buf[pageIOContinuationHeaderSize:]...)
	}
	return pio
}
