package pipeline

import (
	"context"

	"hashprep/internal/core"
)

// Job is one unit of work inside a phase.
//
// A producing job owns exactly one output path and declares the inputs it is
// built from; the staleness oracle decides whether it runs. A verifying job
// (Verify set) only reads Output and always runs.
type Job struct {
	Phase Phase

	Output string
	Inputs []string

	// Force marks an input-less job stale even when its output exists.
	Force bool

	Verify bool

	// Invocation is the collaborator to run. Nil means the driver packs
	// Inputs into Output itself.
	Invocation *core.Invocation
}

// ID identifies the job in logs and the decision trace.
func (j Job) ID() string {
	if j.Verify {
		return "check:" + j.Output
	}
	return j.Output
}

// Runner executes collaborator invocations. *core.Executor implements it.
type Runner interface {
	Run(ctx context.Context, inv core.Invocation) (*core.Result, error)
}
