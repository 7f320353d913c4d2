package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const stderrTail = 4 << 10

// Result describes one finished invocation.
type Result struct {
	Invocation Invocation
	ExitCode   int
	Duration   time.Duration
}

// Executor runs collaborators and blocks until they exit.
//
// It never interprets what a collaborator prints. Stdout goes where the
// invocation says; stderr is forwarded to Stderr and its tail is kept for the
// error report.
type Executor struct {
	// WorkingDir is the directory collaborators run in. Empty means the
	// pipeline's own working directory.
	WorkingDir string

	// Stdout and Stderr receive inherited output. Nil discards. Collaborators
	// running in parallel share them, so each write is serialized.
	Stdout io.Writer
	Stderr io.Writer

	Logger *zap.Logger

	mu sync.Mutex
}

// NewExecutor returns an executor that forwards collaborator output to the
// process's own stdout and stderr.
func NewExecutor(workingDir string, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		WorkingDir: workingDir,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Logger:     logger,
	}
}

// Run executes inv.
//
// A zero exit status returns a Result. A non-zero status, or a program that
// cannot be started, returns a *CollaboratorError. Cancelling ctx kills the
// collaborator's whole process group.
func (e *Executor) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	log := e.logger().With(zap.String("stage", inv.Stage), zap.String("cmd", inv.CommandLine()))
	log.Info("invoking")

	cmd := exec.Command(inv.Program, inv.Args...)
	cmd.Dir = e.WorkingDir
	cmd.Env = buildEnv(inv.Env)
	// Own process group so cancellation reaches MPI children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var out *AtomicFile
	switch inv.Stdout {
	case StdoutInherit:
		cmd.Stdout = e.locked(e.Stdout)
	case StdoutDiscard:
		cmd.Stdout = nil
	case StdoutFile:
		f, err := CreateAtomic(inv.StdoutPath, 0o644)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", inv.StdoutPath, err)
		}
		out = f
		cmd.Stdout = f
	}

	tail := &tailBuffer{max: stderrTail}
	if e.Stderr != nil {
		cmd.Stderr = io.MultiWriter(e.locked(e.Stderr), tail)
	} else {
		cmd.Stderr = tail
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if out != nil {
			out.Abort()
		}
		return nil, &CollaboratorError{Invocation: inv, ExitCode: -1, Cause: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		if out != nil {
			out.Abort()
		}
		return nil, fmt.Errorf("%s cancelled: %w", inv.Stage, ctx.Err())
	case waitErr = <-done:
	}
	elapsed := time.Since(start)

	if waitErr != nil {
		if out != nil {
			out.Abort()
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			log.Warn("collaborator failed", zap.Int("exit_code", exitErr.ExitCode()), zap.Duration("elapsed", elapsed))
			return nil, &CollaboratorError{Invocation: inv, ExitCode: exitErr.ExitCode(), Stderr: tail.Bytes(), Cause: waitErr}
		}
		return nil, &CollaboratorError{Invocation: inv, ExitCode: -1, Stderr: tail.Bytes(), Cause: waitErr}
	}

	if out != nil {
		if err := out.Commit(); err != nil {
			return nil, fmt.Errorf("committing %s: %w", inv.StdoutPath, err)
		}
	}
	log.Debug("collaborator finished", zap.Duration("elapsed", elapsed))
	return &Result{Invocation: inv, ExitCode: 0, Duration: elapsed}, nil
}

// locked wraps w so that writes from concurrent collaborators never
// interleave inside one Write call.
func (e *Executor) locked(w io.Writer) io.Writer {
	if w == nil {
		return nil
	}
	return &lockedWriter{mu: &e.mu, w: w}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// buildEnv extends the pipeline's environment. MPI launchers and the
// collaborators they spawn rely on PATH, HOME and friends, so nothing is
// filtered out.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	out := make([]byte, len(t.buf))
	copy(out, t.buf)
	return out
}
