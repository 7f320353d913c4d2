package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hashprep/internal/config"
	"hashprep/internal/core"
	"hashprep/internal/pipeline"
	"hashprep/internal/runlog"
	"hashprep/internal/trace"
)

func (a *app) newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every enabled stage: split, check, sort, merge, slice, group",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPipeline(cmd, "run", (*pipeline.Driver).Run)
		},
	}
	a.addRunFlags(cmd)
	return cmd
}

func (a *app) newGroupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Repack task groups from existing hash and slice files",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPipeline(cmd, "group", (*pipeline.Driver).Group)
		},
	}
	a.addRunFlags(cmd)
	return cmd
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return invalidInvocationf("%s takes no arguments, got %q", cmd.CommandPath(), args)
	}
	return nil
}

type driverFunc func(*pipeline.Driver, context.Context) (*pipeline.Result, error)

// runPipeline drives one run and keeps its run record. Dry runs leave no
// record behind.
func (a *app) runPipeline(cmd *cobra.Command, name string, drive driverFunc) error {
	ctx := cmd.Context()
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := a.logger.With(zap.String("command", name))

	rec, run := a.startRun(cfg, name, logger)
	if rec != nil {
		logger = logger.With(zap.String("run_id", run.RunID))
	}

	ex := core.NewExecutor("", logger)
	ex.Stdout = a.stdout
	ex.Stderr = a.stderr
	tr := trace.NewRecorder()

	var res *pipeline.Result
	d, runErr := pipeline.New(cfg, pipeline.Options{Runner: ex, Sink: tr, Logger: logger})
	if runErr == nil {
		res, runErr = drive(d, ctx)
	}

	rt := tr.Trace(cfg.Fingerprint())
	canonical, err := rt.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("encoding trace: %w", err)
	}
	if a.tracePath != "" {
		if err := core.WriteFileAtomic(a.tracePath, canonical, 0o644); err != nil {
			return fmt.Errorf("writing trace: %w", err)
		}
	}

	if rec != nil {
		a.finishRun(rec, run, res, runErr, canonical, logger)
	}

	if runErr != nil {
		return runErr
	}
	if !res.Complete() {
		return &InvocationError{
			ExitCode: ExitIncomplete,
			Message:  fmt.Sprintf("incomplete: %d jobs blocked on missing inputs", res.Blocked),
		}
	}
	return nil
}

// startRun persists the running record. A run record that cannot be written
// is logged and the run proceeds without one.
func (a *app) startRun(cfg *config.Config, name string, logger *zap.Logger) (*runlog.Recorder, runlog.Run) {
	if cfg.DryRun {
		return nil, runlog.Run{}
	}
	store, err := runlog.NewStore(cfg.RunsDir())
	if err != nil {
		logger.Warn("run records disabled", zap.Error(err))
		return nil, runlog.Run{}
	}
	rec := &runlog.Recorder{Store: store}
	run, err := rec.Start(runlog.Run{
		Command:           name,
		ConfigFingerprint: cfg.Fingerprint(),
		Phase:             string(pipeline.PhaseNotStarted),
	})
	if err != nil {
		logger.Warn("run records disabled", zap.Error(err))
		return nil, runlog.Run{}
	}
	return rec, run
}

func (a *app) finishRun(rec *runlog.Recorder, run runlog.Run, res *pipeline.Result, runErr error, canonical []byte, logger *zap.Logger) {
	status := runlog.RunStatusDone
	if res != nil {
		run.Phase = string(res.Phase)
		run.Executed = res.Executed
		run.Fresh = res.Fresh
		run.Blocked = res.Blocked
		if res.Blocked > 0 {
			status = runlog.RunStatusIncomplete
		}
	}
	if runErr != nil {
		status = runlog.RunStatusFailed
		phase := string(pipeline.PhaseNotStarted)
		if res != nil && res.FailedIn != "" {
			phase = string(res.FailedIn)
		}
		if _, err := rec.RecordFailure(run.RunID, phase, runErr); err != nil {
			logger.Warn("recording failure", zap.Error(err))
		}
	}

	if err := rec.Store.SaveTrace(run.RunID, canonical); err != nil {
		logger.Warn("saving trace", zap.Error(err))
	} else {
		run.TraceHash = trace.ComputeTraceHash(canonical)
	}
	if _, err := rec.Finish(run, status); err != nil {
		logger.Warn("finishing run record", zap.Error(err))
	}
}
