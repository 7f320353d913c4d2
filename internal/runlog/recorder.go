package runlog

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hashprep/internal/config"
	"hashprep/internal/core"
	"hashprep/internal/taskgroup"
)

// Recorder writes the run and failure records of pipeline runs.
type Recorder struct {
	Store *Store

	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// NewRunID returns a fresh random run id.
func NewRunID() string {
	return uuid.NewString()
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Start persists run in the running state and returns it as saved.
func (r *Recorder) Start(run Run) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	if run.RunID == "" {
		run.RunID = NewRunID()
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.now()
	}
	run.Status = RunStatusRunning
	run.EndTime = nil
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// Finish stamps run with its end time and final status and persists it.
func (r *Recorder) Finish(run Run, status RunStatus) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	end := r.now()
	run.EndTime = &end
	run.Status = status
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// RecordFailure classifies err and writes failure.json for the run.
func (r *Recorder) RecordFailure(runID, phase string, err error) (Failure, error) {
	if r == nil || r.Store == nil {
		return Failure{}, errors.New("Store is required")
	}
	f, ferr := FailureFromError(phase, err)
	if ferr != nil {
		return Failure{}, ferr
	}
	return f, r.Store.SaveFailure(runID, f)
}

// FailureFromError maps an error onto the failure taxonomy. Errors of
// unknown type are system failures.
func FailureFromError(phase string, err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}
	f := Failure{Phase: phase, ErrorMessage: err.Error()}

	var ce *config.Error
	var fe *taskgroup.FormatError
	var coll *core.CollaboratorError
	switch {
	case errors.As(err, &ce):
		f.FailureClass = FailureClassConfig
	case errors.As(err, &fe):
		f.FailureClass = FailureClassFormat
		f.Path = fe.Path
	case errors.As(err, &coll):
		f.FailureClass = FailureClassCollaborator
		code := coll.ExitCode
		f.ExitCode = &code
		f.Stage = coll.Invocation.Stage
		f.Program = coll.Invocation.Program
		f.Args = append([]string(nil), coll.Invocation.Args...)
		f.CommandLine = coll.Invocation.CommandLine()
		f.Stderr = string(coll.Stderr)
	default:
		f.FailureClass = FailureClassSystem
	}
	if err := f.Validate(); err != nil {
		return Failure{}, fmt.Errorf("classifying failure: %w", err)
	}
	return f, nil
}
