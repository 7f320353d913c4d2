package core

import (
	"errors"
	"fmt"
)

// ErrCollaborator is the kind of every CollaboratorError.
var ErrCollaborator = errors.New("collaborator failed")

// CollaboratorError reports an external program that exited non-zero or
// could not be started. It carries the exact invocation so the failure can be
// reproduced by hand.
type CollaboratorError struct {
	Invocation Invocation

	// ExitCode is the process exit status, or -1 if it never ran to completion.
	ExitCode int

	// Stderr holds the tail of the program's standard error.
	Stderr []byte

	Cause error
}

func (e *CollaboratorError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s: %s", ErrCollaborator, e.Invocation.Stage, e.Invocation.CommandLine())
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s: exit status %d", msg, e.ExitCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *CollaboratorError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrCollaborator}
	}
	return []error{ErrCollaborator, e.Cause}
}
