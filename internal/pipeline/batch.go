package pipeline

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hashprep/internal/trace"
)

// checkDistinctOutputs refuses a batch in which two producing jobs write the
// same path.
func checkDistinctOutputs(jobs []Job) error {
	seen := make(map[string]int, len(jobs))
	for i, j := range jobs {
		if j.Verify {
			continue
		}
		if first, ok := seen[j.Output]; ok {
			return duplicateOutput(j.Output, first, i)
		}
		seen[j.Output] = i
	}
	return nil
}

// runBatch executes jobs with at most limit running at once, dispatching them
// in slice order.
//
// After the first failure no further job is started and jobs already running
// finish normally. The first error is returned.
func (d *Driver) runBatch(ctx context.Context, jobs []Job, run func(context.Context, Job) error) error {
	if err := checkDistinctOutputs(jobs); err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(d.jobs)
	var failed atomic.Bool

	for i, job := range jobs {
		if failed.Load() || ctx.Err() != nil {
			d.abandon(jobs[i:])
			break
		}
		g.Go(func() error {
			if failed.Load() || ctx.Err() != nil {
				d.abandon([]Job{job})
				return nil
			}
			if err := run(ctx, job); err != nil {
				failed.Store(true)
				d.record(job, trace.EventJobFailed, "")
				d.logger.Error("job failed", zap.String("phase", string(job.Phase)), zap.String("job", job.ID()), zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (d *Driver) abandon(jobs []Job) {
	for _, j := range jobs {
		d.record(j, trace.EventJobAbandoned, "")
		d.tally(func(r *Result) { r.Abandoned++ })
	}
}
