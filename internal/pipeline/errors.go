package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPlan     = errors.New("invalid pipeline plan")
	ErrDuplicateOutput = errors.New("duplicate job output")
)

// PlanError reports a driver invariant violation: a bad phase transition or
// two jobs claiming one output. It indicates a bug, not bad input data.
type PlanError struct {
	Kind error
	Msg  string
}

func (e *PlanError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *PlanError) Unwrap() error { return e.Kind }

func planf(format string, args ...any) error {
	return &PlanError{Kind: ErrInvalidPlan, Msg: fmt.Sprintf(format, args...)}
}

func duplicateOutput(path string, first, second int) error {
	return &PlanError{Kind: ErrDuplicateOutput, Msg: fmt.Sprintf("%s claimed by jobs %d and %d", path, first, second)}
}
