package taskgroup

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Container is an opened task-group file.
type Container struct {
	Header Header

	f    *os.File
	path string
}

// Open reads and validates the container header at path, including that the
// index covers exactly the file's bytes.
func Open(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	h, err := ReadHeader(f)
	if err == nil {
		err = h.Validate(info.Size())
	}
	if err != nil {
		f.Close()
		var fe *FormatError
		if errors.As(err, &fe) && fe.Path == "" {
			fe.Path = path
		}
		return nil, err
	}
	return &Container{Header: h, f: f, path: path}, nil
}

// Section returns a reader over file j.
func (c *Container) Section(j int) (*io.SectionReader, error) {
	start, end, err := c.Header.Range(j)
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(c.f, start, end-start), nil
}

// File reads file j into memory.
func (c *Container) File(j int) ([]byte, error) {
	sec, err := c.Section(j)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sec.Size())
	if _, err := io.ReadFull(sec, buf); err != nil {
		return nil, fmt.Errorf("reading file %d of %s: %w", j, c.path, err)
	}
	return buf, nil
}

func (c *Container) Close() error { return c.f.Close() }
