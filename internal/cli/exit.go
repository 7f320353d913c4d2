package cli

import (
	"context"
	"errors"
	"fmt"

	"hashprep/internal/config"
	"hashprep/internal/core"
	"hashprep/internal/pipeline"
	"hashprep/internal/taskgroup"
)

const (
	ExitSuccess           = 0
	ExitPipelineFailure   = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
	ExitFormatError       = 5
	// ExitIncomplete means the run finished but blocked jobs remain.
	ExitIncomplete = 6
)

// InvocationError carries an explicit exit code.
type InvocationError struct {
	ExitCode int
	Message  string
	Cause    error
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *InvocationError) Unwrap() error { return e.Cause }

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error onto the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var planErr *pipeline.PlanError
	switch {
	case errors.Is(err, config.ErrConfig):
		return ExitConfigError
	case errors.Is(err, taskgroup.ErrFormat):
		return ExitFormatError
	case errors.Is(err, core.ErrCollaborator):
		return ExitPipelineFailure
	case errors.As(err, &planErr):
		return ExitInternalError
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ExitPipelineFailure
	}
	return ExitInternalError
}
