package staleness

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Decision is the verdict for one (output, inputs) pair.
type Decision int

const (
	Stale Decision = iota
	Fresh
	Blocked
)

func (d Decision) String() string {
	switch d {
	case Stale:
		return "stale"
	case Fresh:
		return "fresh"
	case Blocked:
		return "blocked"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Oracle decides whether output has to be rebuilt from inputs.
type Oracle interface {
	// Check returns Blocked if any input is missing, Stale if output must be
	// produced, Fresh otherwise. force only matters for an empty input set,
	// which is otherwise Fresh whenever output exists.
	Check(output string, inputs []string, force bool) (Decision, error)

	// Commit records that output was just produced from inputs.
	Commit(output string, inputs []string) error
}

// MTime is the modification-time oracle. It never reads file contents.
type MTime struct{}

// NewMTime returns the modification-time oracle.
func NewMTime() MTime { return MTime{} }

// Check compares the output mtime against the newest input mtime. An input
// strictly newer than the output makes it stale; equal times count as fresh.
func (MTime) Check(output string, inputs []string, force bool) (Decision, error) {
	newest, missing, err := newestInput(inputs)
	if err != nil {
		return Stale, err
	}
	if missing != "" {
		return Blocked, nil
	}

	out, err := os.Stat(output)
	if errors.Is(err, fs.ErrNotExist) {
		return Stale, nil
	}
	if err != nil {
		return Stale, fmt.Errorf("stat output %s: %w", output, err)
	}

	if len(inputs) == 0 {
		if force {
			return Stale, nil
		}
		return Fresh, nil
	}
	if newest.ModTime().After(out.ModTime()) {
		return Stale, nil
	}
	return Fresh, nil
}

// Commit is a no-op: the output's own mtime is the record.
func (MTime) Commit(string, []string) error { return nil }

// newestInput stats every input. It returns the first missing input, if any,
// and otherwise the one with the latest mtime.
func newestInput(inputs []string) (fs.FileInfo, string, error) {
	var newest fs.FileInfo
	for _, in := range inputs {
		info, err := os.Stat(in)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, in, nil
		}
		if err != nil {
			return nil, "", fmt.Errorf("stat input %s: %w", in, err)
		}
		if newest == nil || info.ModTime().After(newest.ModTime()) {
			newest = info
		}
	}
	return newest, "", nil
}

// MissingInputs lists the declared inputs that do not exist, in order.
// The driver uses it to explain a Blocked decision.
func MissingInputs(inputs []string) []string {
	var missing []string
	for _, in := range inputs {
		if _, err := os.Stat(in); errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, in)
		}
	}
	return missing
}
