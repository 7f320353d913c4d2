package taskgroup

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"hashprep/internal/core"
)

const copyBufferSize = 1 << 20

// Pack writes the container for paths to w.
//
// Every input is stat'ed before the first byte is written, so a misaligned
// file fails the whole pack with a *FormatError and w stays empty. Contents
// are streamed through a fixed buffer, one file at a time.
func Pack(w io.Writer, paths []string) (Header, error) {
	sizes := make([]int64, len(paths))
	for j, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return Header{}, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.Mode().IsRegular() {
			return Header{}, formatf(p, "not a regular file")
		}
		sizes[j] = info.Size()
	}

	h, err := NewHeader(paths, sizes)
	if err != nil {
		return Header{}, err
	}
	if _, err := h.WriteTo(w); err != nil {
		return Header{}, fmt.Errorf("writing header: %w", err)
	}

	buf := make([]byte, copyBufferSize)
	for j, p := range paths {
		if err := copyExactly(w, p, sizes[j], buf); err != nil {
			return Header{}, err
		}
	}
	return h, nil
}

// copyExactly appends the first size bytes of path. A file that shrank since
// it was stat'ed would leave the index wrong, so that is an error.
func copyExactly(w io.Writer, path string, size int64, buf []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	n, err := io.CopyBuffer(w, io.LimitReader(f, size), buf)
	if err != nil {
		return fmt.Errorf("copying %s: %w", path, err)
	}
	if n != size {
		return formatf(path, "shrank from %d to %d bytes while packing", size, n)
	}
	return nil
}

// PackFile packs paths into the container at out. The container replaces out
// only after it has been written completely.
func PackFile(out string, paths []string) (Header, error) {
	f, err := core.CreateAtomic(out, 0o644)
	if err != nil {
		return Header{}, fmt.Errorf("creating %s: %w", out, err)
	}
	bw := bufio.NewWriterSize(f, copyBufferSize)
	h, err := Pack(bw, paths)
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		f.Abort()
		return Header{}, err
	}
	if err := f.Commit(); err != nil {
		return Header{}, fmt.Errorf("committing %s: %w", out, err)
	}
	return h, nil
}
