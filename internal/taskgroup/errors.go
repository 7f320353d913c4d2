package taskgroup

import (
	"errors"
	"fmt"
)

// ErrFormat is the kind of every FormatError.
var ErrFormat = errors.New("format error")

// FormatError reports an input file or container that violates the word layout.
type FormatError struct {
	Path string
	Msg  string
}

func (e *FormatError) Error() string {
	if e == nil {
		return ""
	}
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", ErrFormat, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", ErrFormat, e.Path, e.Msg)
}

func (e *FormatError) Unwrap() error { return ErrFormat }

func formatf(path, format string, args ...any) error {
	return &FormatError{Path: path, Msg: fmt.Sprintf(format, args...)}
}
