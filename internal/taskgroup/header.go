package taskgroup

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WordSize is the container word width in bytes.
const WordSize = 8

// maxFiles bounds n when decoding a header so a corrupt first word cannot
// trigger a huge allocation. 2^MaxBits shards is the largest possible group.
const maxFiles = 1 << 16

// Header is the container index.
type Header struct {
	// Offsets has n+1 entries: the start of every file and the final end,
	// in words from the start of the blob.
	Offsets []uint64
}

// NewHeader builds the index for files of the given byte sizes. Every size
// must be a non-negative multiple of WordSize; names are used in errors only.
func NewHeader(names []string, sizes []int64) (Header, error) {
	if len(names) != len(sizes) {
		return Header{}, fmt.Errorf("%d names for %d sizes", len(names), len(sizes))
	}
	n := len(sizes)
	offsets := make([]uint64, n+1)
	pos := uint64(n + 2)
	for j, size := range sizes {
		if size < 0 || size%WordSize != 0 {
			return Header{}, formatf(names[j], "size %d is not a multiple of %d bytes", size, WordSize)
		}
		offsets[j] = pos
		pos += uint64(size / WordSize)
	}
	offsets[n] = pos
	return Header{Offsets: offsets}, nil
}

// Count is the number of packed files.
func (h Header) Count() int {
	if len(h.Offsets) == 0 {
		return 0
	}
	return len(h.Offsets) - 1
}

// Words returns the header exactly as stored: n followed by the n+1 offsets.
func (h Header) Words() []uint64 {
	words := make([]uint64, 0, h.Count()+2)
	words = append(words, uint64(h.Count()))
	return append(words, h.Offsets...)
}

// Len is the header length in bytes.
func (h Header) Len() int64 { return int64(h.Count()+2) * WordSize }

// Size is the length of the whole container in bytes.
func (h Header) Size() int64 {
	if len(h.Offsets) == 0 {
		return 2 * WordSize
	}
	return int64(h.Offsets[len(h.Offsets)-1]) * WordSize
}

// Range returns the byte range [start, end) of file j.
func (h Header) Range(j int) (start, end int64, err error) {
	if j < 0 || j >= h.Count() {
		return 0, 0, fmt.Errorf("file index %d out of range [0, %d)", j, h.Count())
	}
	return int64(h.Offsets[j]) * WordSize, int64(h.Offsets[j+1]) * WordSize, nil
}

// WriteTo encodes the header.
func (h Header) WriteTo(w io.Writer) (int64, error) {
	words := h.Words()
	buf := make([]byte, len(words)*WordSize)
	for i, v := range words {
		binary.LittleEndian.PutUint64(buf[i*WordSize:], v)
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// Validate checks the structural invariants: the first offset equals the
// header length, offsets never decrease, and, when size >= 0, the final
// offset matches the container size.
func (h Header) Validate(size int64) error {
	n := h.Count()
	if len(h.Offsets) == 0 {
		return formatf("", "header has no offsets")
	}
	if h.Offsets[0] != uint64(n+2) {
		return formatf("", "first offset %d, want %d", h.Offsets[0], n+2)
	}
	for j := 1; j <= n; j++ {
		if h.Offsets[j] < h.Offsets[j-1] {
			return formatf("", "offset %d (%d) precedes offset %d (%d)", j, h.Offsets[j], j-1, h.Offsets[j-1])
		}
	}
	if size >= 0 && h.Size() != size {
		return formatf("", "index ends at byte %d, container has %d bytes", h.Size(), size)
	}
	return nil
}

// ExpectGroupSize fails when the container does not hold exactly n files,
// the check a worker makes before trusting the index.
func (h Header) ExpectGroupSize(n int) error {
	if h.Count() != n {
		return formatf("", "wrong task-group size: holds %d files, want %d", h.Count(), n)
	}
	return nil
}

// ReadHeader decodes and validates a header from the start of r. The final
// offset is not compared with the container size; Open does that.
func ReadHeader(r io.Reader) (Header, error) {
	var first [WordSize]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return Header{}, formatf("", "reading file count: %v", err)
	}
	n := binary.LittleEndian.Uint64(first[:])
	if n > maxFiles {
		return Header{}, formatf("", "file count %d exceeds %d", n, maxFiles)
	}
	buf := make([]byte, (n+1)*WordSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, formatf("", "reading %d offsets: %v", n+1, err)
	}
	offsets := make([]uint64, n+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(buf[i*WordSize:])
	}
	h := Header{Offsets: offsets}
	if err := h.Validate(-1); err != nil {
		return Header{}, err
	}
	return h, nil
}
