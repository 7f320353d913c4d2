package shard

import (
	"fmt"
	"strconv"
)

// MaxBits is the largest partition bit width representable by a 3-digit key.
const MaxBits = 12

const keyDigits = 3

// Key is a partition key in [0, 2^k).
type Key int

// String returns the canonical path component, e.g. "00a".
func (k Key) String() string {
	return fmt.Sprintf("%0*x", keyDigits, int(k))
}

// ParseKey is the inverse of Key.String. It only accepts the canonical form:
// exactly three lowercase hex digits.
func ParseKey(s string) (Key, error) {
	if len(s) != keyDigits {
		return 0, fmt.Errorf("shard key %q: want %d hex digits", s, keyDigits)
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return 0, fmt.Errorf("shard key %q: invalid digit %q", s, c)
		}
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("shard key %q: %w", s, err)
	}
	return Key(v), nil
}

// Space is the set of 2^k partition keys of one run.
type Space struct {
	bits int
}

// NewSpace validates k and returns its partition space.
func NewSpace(bits int) (Space, error) {
	if bits < 0 || bits > MaxBits {
		return Space{}, fmt.Errorf("partitioning bits must be in [0, %d], got %d", MaxBits, bits)
	}
	return Space{bits: bits}, nil
}

func (s Space) Bits() int { return s.bits }

// Count is 2^k.
func (s Space) Count() int { return 1 << s.bits }

// Key returns the i-th key.
func (s Space) Key(i int) (Key, error) {
	if i < 0 || i >= s.Count() {
		return 0, fmt.Errorf("partition index %d out of range [0, %d)", i, s.Count())
	}
	return Key(i), nil
}

// Last is the highest key. The splitter writes it last, so its presence marks
// a source file as fully split.
func (s Space) Last() Key { return Key(s.Count() - 1) }

// Keys returns every key in ascending order.
func (s Space) Keys() []Key {
	keys := make([]Key, s.Count())
	for i := range keys {
		keys[i] = Key(i)
	}
	return keys
}

// Window is a contiguous run of keys packed into one task group.
type Window struct {
	Index int
	Keys  []Key
}

// Name is the window's path component, formatted like a shard key.
func (w Window) Name() string { return Key(w.Index).String() }

// Windows partitions the space into windows of groupSize consecutive keys.
func (s Space) Windows(groupSize int) ([]Window, error) {
	if err := s.CheckGroupSize(groupSize); err != nil {
		return nil, err
	}
	n := s.Count() / groupSize
	windows := make([]Window, n)
	for i := 0; i < n; i++ {
		keys := make([]Key, groupSize)
		for j := range keys {
			keys[j] = Key(i*groupSize + j)
		}
		windows[i] = Window{Index: i, Keys: keys}
	}
	return windows, nil
}

// CheckGroupSize reports whether groupSize evenly divides the space.
func (s Space) CheckGroupSize(groupSize int) error {
	if groupSize < 1 {
		return fmt.Errorf("group size must be >= 1, got %d", groupSize)
	}
	if s.Count()%groupSize != 0 {
		return fmt.Errorf("group size %d does not divide 2^%d = %d shards", groupSize, s.bits, s.Count())
	}
	return nil
}
