package config

import (
	"errors"
	"fmt"
	"sort"
)

// ErrConfig is the kind of every configuration error.
var ErrConfig = errors.New("invalid configuration")

// Error reports a setting that cannot be used.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfig, e.Field, e.Msg)
}

func (e *Error) Unwrap() error { return ErrConfig }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
