package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"hashprep/internal/config"
	"hashprep/internal/core"
	"hashprep/internal/shard"
	"hashprep/internal/staleness"
	"hashprep/internal/stats"
	"hashprep/internal/taskgroup"
	"hashprep/internal/trace"
)

// Result summarizes a run.
type Result struct {
	// Phase is the final phase: done or failed.
	Phase Phase

	// FailedIn is the phase that failed, if any.
	FailedIn Phase

	Executed  int
	Fresh     int
	Blocked   int
	Abandoned int

	// BlockedJobs lists the outputs that could not be built because an
	// input was missing, in decision order.
	BlockedJobs []string

	// Stats holds record counts collected after a successful run.
	Stats *stats.Accumulator
}

// Complete reports whether the run finished with nothing left blocked.
func (r *Result) Complete() bool {
	return r.Phase == PhaseDone && r.Blocked == 0
}

// Options wires a Driver's collaborators. Nil fields get defaults.
type Options struct {
	Runner Runner
	Oracle staleness.Oracle
	Sink   trace.Sink
	Logger *zap.Logger
	Stats  *stats.Accumulator
}

// Driver runs the phases of one pipeline run. A Driver is single-use.
type Driver struct {
	cfg      *config.Config
	space    shard.Space
	layout   shard.Layout
	runner   Runner
	oracle   staleness.Oracle
	resolver *core.InputResolver
	sink     trace.Sink
	logger   *zap.Logger
	jobs     int
	machine  *machine

	mu     sync.Mutex
	result Result
}

// New validates cfg and builds a driver for it.
func New(cfg *config.Config, opts Options) (*Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:      cfg,
		space:    cfg.Space(),
		layout:   cfg.Layout(),
		runner:   opts.Runner,
		oracle:   opts.Oracle,
		resolver: core.NewInputResolver(""),
		sink:     opts.Sink,
		logger:   opts.Logger,
		jobs:     cfg.Jobs,
		machine:  newMachine(),
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.runner == nil {
		d.runner = core.NewExecutor("", d.logger)
	}
	if d.oracle == nil {
		d.oracle = NewOracle(cfg)
	}
	if d.sink == nil {
		d.sink = trace.NopSink{}
	}
	d.result.Stats = opts.Stats
	if d.result.Stats == nil {
		d.result.Stats = stats.New(cfg.PartitioningBits)
	}
	return d, nil
}

// NewOracle returns the staleness oracle cfg selects.
func NewOracle(cfg *config.Config) staleness.Oracle {
	if cfg.Staleness == config.StalenessFingerprint {
		return staleness.NewFingerprint(cfg.FingerprintDir())
	}
	return staleness.NewMTime()
}

// Run executes every enabled phase in order.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	steps := []struct {
		phase   Phase
		enabled bool
		run     func(context.Context) error
	}{
		{PhaseSplitting, true, d.split},
		{PhaseCheckingDicts, d.cfg.Check, d.checkDictionaries},
		{PhaseSorting, d.cfg.Sort, d.sort},
		{PhaseMerging, true, d.merge},
		{PhaseCheckingHashes, d.cfg.Check, d.checkHashes},
		{PhaseSlicing, d.cfg.Slice, d.slice},
		{PhaseGrouping, d.cfg.GroupSize > 0, d.group},
	}

	if !d.cfg.DryRun {
		if err := d.cfg.EnsureDirs(); err != nil {
			return d.finish(err)
		}
	}
	for _, s := range steps {
		if !s.enabled {
			continue
		}
		if err := d.enter(ctx, s.phase, s.run); err != nil {
			return d.finish(err)
		}
	}
	return d.finish(nil)
}

// Group runs the grouping phase alone, for regrouping existing hash and
// slice files.
func (d *Driver) Group(ctx context.Context) (*Result, error) {
	if d.cfg.GroupSize == 0 {
		return d.finish(&config.Error{Field: "group_size", Msg: "is required for grouping"})
	}
	if !d.cfg.DryRun {
		if err := os.MkdirAll(d.cfg.Dirs.TaskGroups, 0o755); err != nil {
			return d.finish(err)
		}
	}
	if err := d.enter(ctx, PhaseGrouping, d.group); err != nil {
		return d.finish(err)
	}
	return d.finish(nil)
}

func (d *Driver) enter(ctx context.Context, p Phase, run func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.machine.Transition(d.machine.current(), p); err != nil {
		return err
	}
	d.logger.Info("phase started", zap.String("phase", string(p)))
	start := time.Now()
	if err := run(ctx); err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	d.logger.Debug("phase finished", zap.String("phase", string(p)), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (d *Driver) finish(err error) (*Result, error) {
	if err != nil {
		from := d.machine.fail()
		d.mu.Lock()
		d.result.Phase = PhaseFailed
		d.result.FailedIn = from
		res := d.result
		d.mu.Unlock()
		d.logger.Error("run failed", zap.String("phase", string(from)), zap.Error(err))
		return &res, err
	}

	if terr := d.machine.Transition(d.machine.current(), PhaseDone); terr != nil {
		return d.finish(terr)
	}

	acc, serr := stats.CollectAll(d.result.Stats, d.layout)
	if serr != nil {
		d.logger.Warn("collecting statistics", zap.Error(serr))
	}

	d.mu.Lock()
	d.result.Phase = PhaseDone
	d.result.Stats = acc
	res := d.result
	d.mu.Unlock()

	fields := []zap.Field{
		zap.Int("executed", res.Executed),
		zap.Int("fresh", res.Fresh),
		zap.Int("blocked", res.Blocked),
	}
	d.logger.Info("run finished", append(fields, acc.Fields()...)...)
	if res.Blocked > 0 {
		d.logger.Warn("run incomplete", zap.Strings("blocked", res.BlockedJobs))
	}
	return &res, nil
}

func (d *Driver) tally(f func(*Result)) {
	d.mu.Lock()
	f(&d.result)
	d.mu.Unlock()
}

func (d *Driver) record(j Job, kind trace.EventKind, reason string, missing ...string) {
	trace.SafeRecord(d.sink, trace.Event{
		Kind:    kind,
		Phase:   string(j.Phase),
		JobID:   j.ID(),
		Reason:  reason,
		Missing: missing,
	})
}

// schedule consults the oracle for every job and runs the stale ones.
func (d *Driver) schedule(ctx context.Context, jobs []Job) error {
	stale := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Verify {
			stale = append(stale, j)
			continue
		}
		decision, err := d.oracle.Check(j.Output, j.Inputs, j.Force)
		if err != nil {
			return fmt.Errorf("checking %s: %w", j.Output, err)
		}
		switch decision {
		case staleness.Fresh:
			d.logger.Debug("skipping", zap.String("phase", string(j.Phase)), zap.String("output", j.Output), zap.String("reason", "fresh"))
			d.record(j, trace.EventJobFresh, "")
			d.tally(func(r *Result) { r.Fresh++ })
		case staleness.Blocked:
			missing := staleness.MissingInputs(j.Inputs)
			d.logger.Debug("blocked", zap.String("phase", string(j.Phase)), zap.String("output", j.Output), zap.Strings("missing", missing))
			d.record(j, trace.EventJobBlocked, "InputMissing", missing...)
			d.tally(func(r *Result) {
				r.Blocked++
				r.BlockedJobs = append(r.BlockedJobs, j.Output)
			})
		default:
			stale = append(stale, j)
		}
	}
	return d.runBatch(ctx, stale, d.runJob)
}

// runJob executes one job and, for producing jobs, commits the oracle.
func (d *Driver) runJob(ctx context.Context, j Job) error {
	var before fs.FileInfo
	if !j.Verify {
		before, _ = os.Stat(j.Output)
	}

	var err error
	switch {
	case j.Invocation != nil && d.cfg.DryRun:
		d.logger.Info("dry run", zap.String("stage", j.Invocation.Stage), zap.String("cmd", j.Invocation.CommandLine()))
	case j.Invocation != nil:
		_, err = d.runner.Run(ctx, *j.Invocation)
	default:
		err = d.pack(j)
	}
	if err != nil {
		if j.Invocation != nil && !j.Verify {
			d.discardPartial(j.Output, before)
		}
		return err
	}

	d.record(j, trace.EventJobExecuted, reasonFor(j, before))
	d.tally(func(r *Result) { r.Executed++ })
	if j.Verify || d.cfg.DryRun {
		return nil
	}
	if err := d.oracle.Commit(j.Output, j.Inputs); err != nil {
		return fmt.Errorf("recording %s: %w", j.Output, err)
	}
	return nil
}

func reasonFor(j Job, before fs.FileInfo) string {
	switch {
	case j.Verify:
		return "Check"
	case before == nil:
		return "OutputMissing"
	case len(j.Inputs) == 0:
		return "Forced"
	default:
		return "InputChanged"
	}
}

func (d *Driver) pack(j Job) error {
	if d.cfg.DryRun {
		d.logger.Info("dry run", zap.String("stage", "group"), zap.String("output", j.Output), zap.Int("files", len(j.Inputs)))
		return nil
	}
	d.logger.Info("packing", zap.String("output", j.Output), zap.Int("files", len(j.Inputs)))
	_, err := taskgroup.PackFile(j.Output, j.Inputs)
	return err
}

// discardPartial removes an output a failed collaborator created or
// rewrote, so the next run does not mistake it for a fresh artifact.
func (d *Driver) discardPartial(output string, before fs.FileInfo) {
	if d.cfg.DryRun {
		return
	}
	after, err := os.Stat(output)
	if err != nil {
		return
	}
	if before != nil && after.ModTime().Equal(before.ModTime()) && after.Size() == before.Size() {
		return
	}
	if err := os.Remove(output); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn("removing partial output", zap.String("output", output), zap.Error(err))
		return
	}
	d.logger.Warn("removed partial output", zap.String("output", output))
}
