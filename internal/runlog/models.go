package runlog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
	// RunStatusIncomplete is a run that finished with blocked jobs left.
	RunStatusIncomplete RunStatus = "incomplete"
	RunStatusFailed     RunStatus = "failed"
)

// Run is the persistent metadata of one pipeline run.
type Run struct {
	RunID             string     `json:"run_id"`
	Command           string     `json:"command"`
	ConfigFingerprint string     `json:"config_fingerprint"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time"`
	Status            RunStatus  `json:"status"`
	Phase             string     `json:"phase"`
	Executed          int        `json:"executed"`
	Fresh             int        `json:"fresh"`
	Blocked           int        `json:"blocked"`
	TraceHash         string     `json:"trace_hash,omitempty"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Command) == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if strings.TrimSpace(r.ConfigFingerprint) == "" {
		errs = append(errs, errors.New("config_fingerprint is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case RunStatusRunning:
		if r.EndTime != nil {
			errs = append(errs, errors.New("end_time must be null while running"))
		}
	case RunStatusDone, RunStatusIncomplete, RunStatusFailed:
		if r.EndTime == nil {
			errs = append(errs, fmt.Errorf("end_time is required for status %q", r.Status))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.Executed < 0 || r.Fresh < 0 || r.Blocked < 0 {
		errs = append(errs, errors.New("job counts must be >= 0"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassConfig       FailureClass = "config"
	FailureClassFormat       FailureClass = "format"
	FailureClassCollaborator FailureClass = "collaborator"
	FailureClassSystem       FailureClass = "system"
)

// Failure records why a run stopped. For collaborator failures it carries
// the exact invocation so it can be rerun by hand.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Phase        string       `json:"phase"`
	ErrorMessage string       `json:"error_message"`

	Stage       string   `json:"stage,omitempty"`
	Program     string   `json:"program,omitempty"`
	Args        []string `json:"args,omitempty"`
	CommandLine string   `json:"command_line,omitempty"`
	ExitCode    *int     `json:"exit_code,omitempty"`
	Stderr      string   `json:"stderr,omitempty"`

	// Path is the offending file of a format failure.
	Path string `json:"path,omitempty"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassConfig, FailureClassFormat, FailureClassSystem:
	case FailureClassCollaborator:
		if strings.TrimSpace(f.Program) == "" {
			errs = append(errs, errors.New("program is required for collaborator failures"))
		}
		if f.ExitCode == nil {
			errs = append(errs, errors.New("exit_code is required for collaborator failures"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if strings.TrimSpace(f.Phase) == "" {
		errs = append(errs, errors.New("phase is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
