package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"hashprep/internal/core"
	"hashprep/internal/shard"
	"hashprep/internal/staleness"
)

// split runs the splitter once per preimage file. A source counts as split
// once its fragment for the last shard exists, since the splitter writes
// shards in ascending order.
func (d *Driver) split(ctx context.Context) error {
	var jobs []Job
	last := d.space.Last()
	for _, kind := range shard.Kinds {
		sources, err := d.resolver.Resolve(d.layout.PreimagePattern(kind))
		if err != nil {
			return err
		}
		for _, src := range sources {
			inv := d.splitInvocation(src)
			jobs = append(jobs, Job{
				Phase:      PhaseSplitting,
				Output:     d.layout.UnsortedFragment(last, src),
				Invocation: &inv,
			})
		}
	}
	return d.schedule(ctx, jobs)
}

func (d *Driver) splitInvocation(source string) core.Invocation {
	tools := d.cfg.Tools
	args := []string{
		"--partitioning-bits", strconv.Itoa(d.space.Bits()),
		"--output-dir", d.cfg.Dirs.Dict,
		source,
	}
	if tools.MPIRun == "" {
		return core.Invocation{Stage: "split", Program: tools.Splitter, Args: args}
	}
	np := strconv.Itoa(2 + 2*d.cfg.Cores)
	return core.Invocation{
		Stage:   "split",
		Program: tools.MPIRun,
		Args:    append([]string{"-np", np, tools.Splitter}, args...),
	}
}

// checkDictionaries runs the dictionary checker on every fragment, shard by
// shard.
func (d *Driver) checkDictionaries(ctx context.Context) error {
	var jobs []Job
	for _, key := range d.space.Keys() {
		files, err := d.resolver.Resolve(filepath.Join(d.layout.DictShardDir(key), "*"))
		if err != nil {
			return err
		}
		for _, f := range files {
			jobs = append(jobs, Job{
				Phase:  PhaseCheckingDicts,
				Output: f,
				Verify: true,
				Invocation: &core.Invocation{
					Stage:   "check-dict",
					Program: d.cfg.Tools.DictChecker,
					Args:    []string{"--partitioning-bits", strconv.Itoa(d.space.Bits()), f},
				},
			})
		}
	}
	return d.schedule(ctx, jobs)
}

// sort produces a sorted sibling for every unsorted fragment.
func (d *Driver) sort(ctx context.Context) error {
	var jobs []Job
	for _, kind := range shard.Kinds {
		for _, key := range d.space.Keys() {
			fragments, err := d.resolver.Resolve(d.layout.UnsortedPattern(kind, key))
			if err != nil {
				return err
			}
			for _, f := range fragments {
				jobs = append(jobs, Job{
					Phase:  PhaseSorting,
					Output: shard.SortedFragment(f),
					Inputs: []string{f},
					Invocation: &core.Invocation{
						Stage:   "sort",
						Program: d.cfg.Tools.Sorter,
						Args:    []string{f},
					},
				})
			}
		}
	}
	return d.schedule(ctx, jobs)
}

// merge builds one hash file per (kind, shard) from its sorted fragments.
// Shards without fragments are skipped: the merger is never called with an
// empty input list.
func (d *Driver) merge(ctx context.Context) error {
	var jobs []Job
	for _, kind := range shard.Kinds {
		for _, key := range d.space.Keys() {
			inputs, err := d.resolver.Resolve(d.layout.SortedPattern(kind, key))
			if err != nil {
				return err
			}
			out := d.layout.HashFile(kind, key)
			if len(inputs) == 0 {
				d.logger.Debug("skipping", zap.String("phase", string(PhaseMerging)), zap.String("output", out), zap.String("reason", "no fragments"))
				continue
			}
			jobs = append(jobs, Job{
				Phase:  PhaseMerging,
				Output: out,
				Inputs: inputs,
				Invocation: &core.Invocation{
					Stage:   "merge",
					Program: d.cfg.Tools.Merger,
					Args:    append([]string{"--output", out}, inputs...),
					Stdout:  core.StdoutDiscard,
				},
			})
		}
	}
	return d.schedule(ctx, jobs)
}

// checkHashes runs the hash checker on every hash file.
func (d *Driver) checkHashes(ctx context.Context) error {
	var jobs []Job
	for _, kind := range shard.Kinds {
		files, err := d.resolver.Resolve(d.layout.HashPattern(kind))
		if err != nil {
			return err
		}
		for _, f := range files {
			jobs = append(jobs, Job{
				Phase:  PhaseCheckingHashes,
				Output: f,
				Verify: true,
				Invocation: &core.Invocation{
					Stage:   "check-hash",
					Program: d.cfg.Tools.HashChecker,
					Args:    []string{f},
				},
			})
		}
	}
	return d.schedule(ctx, jobs)
}

// slice cuts every combined hash file into its slice file. With checks
// enabled, every slice is verified once all slicing is done.
func (d *Driver) slice(ctx context.Context) error {
	combined := shard.CombinedKind()
	length := strconv.Itoa(d.cfg.SliceLength)

	var jobs, checks []Job
	for _, key := range d.space.Keys() {
		in := d.layout.HashFile(combined, key)
		if _, err := os.Stat(in); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return fmt.Errorf("stat %s: %w", in, err)
		}
		out := d.layout.SliceFile(key)
		jobs = append(jobs, Job{
			Phase:  PhaseSlicing,
			Output: out,
			Inputs: []string{in},
			Invocation: &core.Invocation{
				Stage:   "slice",
				Program: d.cfg.Tools.Slicer,
				Args:    []string{"--l", length, "--target-dir", d.cfg.Dirs.Slice, in},
				Stdout:  core.StdoutDiscard,
			},
		})
		if d.cfg.Check {
			checks = append(checks, Job{
				Phase:  PhaseSlicing,
				Output: out,
				Verify: true,
				Invocation: &core.Invocation{
					Stage:   "check-slice",
					Program: d.cfg.Tools.SliceChecker,
					Args:    []string{"--hash", in, "--slice", out, "--l", length},
				},
			})
		}
	}
	if err := d.schedule(ctx, jobs); err != nil {
		return err
	}
	if d.cfg.DryRun {
		return d.schedule(ctx, checks)
	}
	// Only slices that now exist can be checked.
	present := checks[:0]
	for _, c := range checks {
		if _, err := os.Stat(c.Output); err == nil {
			present = append(present, c)
		}
	}
	return d.schedule(ctx, present)
}

// group packs every window of every kind into a task-group container. A
// window with a missing constituent is reported blocked and left alone.
func (d *Driver) group(ctx context.Context) error {
	windows, err := d.space.Windows(d.cfg.GroupSize)
	if err != nil {
		return err
	}
	if !d.cfg.Slice {
		d.warnMissingSlices()
	}
	var jobs []Job
	for _, kind := range shard.Kinds {
		for _, w := range windows {
			inputs := make([]string, len(w.Keys))
			for i, key := range w.Keys {
				inputs[i] = d.layout.GroupInput(kind, key)
			}
			jobs = append(jobs, Job{
				Phase:  PhaseGrouping,
				Output: d.layout.TaskGroup(kind, w),
				Inputs: inputs,
			})
		}
	}
	return d.schedule(ctx, jobs)
}

// warnMissingSlices reports once that the combined kind's task groups are
// blocked on slice files this run will not produce.
func (d *Driver) warnMissingSlices() {
	kind := shard.CombinedKind()
	if kind.Group != shard.GroupFromSlice {
		return
	}
	inputs := make([]string, 0, d.space.Count())
	for _, key := range d.space.Keys() {
		inputs = append(inputs, d.layout.GroupInput(kind, key))
	}
	missing := staleness.MissingInputs(inputs)
	if len(missing) == 0 {
		return
	}
	d.logger.Warn("slicing disabled: task groups of the combined kind stay blocked until slices exist",
		zap.String("kind", kind.Name),
		zap.Int("missing_slices", len(missing)),
		zap.Int("shards", len(inputs)))
}
