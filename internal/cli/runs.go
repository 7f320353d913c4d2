package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hashprep/internal/config"
	"hashprep/internal/runlog"
)

func (a *app) newRunsCommand() *cobra.Command {
	var stateDir string
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List past runs, or show one run and its failure",
		Long: `Without an argument, runs lists every recorded run, oldest first. With a run
id it prints that run's record and, if it failed, the failure: its class, the
phase it stopped in, and for a failed collaborator the exact command line so
it can be rerun by hand.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				return invalidInvocationf("runs takes at most one run id, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openRunStore(cmd, stateDir)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return a.showRun(store, args[0])
			}
			return a.listRuns(store)
		},
	}
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "State directory (default: dirs.state of the configuration)")
	return cmd
}

func (a *app) openRunStore(cmd *cobra.Command, stateDir string) (*runlog.Store, error) {
	if !cmd.Flags().Changed("state-dir") {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return nil, err
		}
		return runlog.NewStore(cfg.RunsDir())
	}
	if strings.TrimSpace(stateDir) == "" {
		return nil, invalidInvocationf("--state-dir must not be empty")
	}
	cfg := config.Config{Dirs: config.Dirs{State: stateDir}}
	return runlog.NewStore(cfg.RunsDir())
}

func (a *app) listRuns(store *runlog.Store) error {
	runs, skipped, err := store.Runs()
	if err != nil {
		return err
	}
	for id, err := range skipped {
		a.logger.Warn("unreadable run record", zap.String("run_id", id), zap.Error(err))
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tCOMMAND\tSTATUS\tPHASE\tSTARTED\tEXECUTED\tFRESH\tBLOCKED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			r.RunID, r.Command, r.Status, r.Phase, r.StartTime.Format(time.RFC3339),
			r.Executed, r.Fresh, r.Blocked)
	}
	return tw.Flush()
}

func (a *app) showRun(store *runlog.Store, runID string) error {
	r, err := store.LoadRun(runID)
	if err != nil {
		return err
	}
	w := a.stdout
	fmt.Fprintf(w, "run:      %s\n", r.RunID)
	fmt.Fprintf(w, "command:  %s\n", r.Command)
	fmt.Fprintf(w, "config:   %s\n", r.ConfigFingerprint)
	fmt.Fprintf(w, "status:   %s\n", r.Status)
	fmt.Fprintf(w, "phase:    %s\n", r.Phase)
	fmt.Fprintf(w, "started:  %s\n", r.StartTime.Format(time.RFC3339))
	if r.EndTime != nil {
		fmt.Fprintf(w, "finished: %s (took %s)\n", r.EndTime.Format(time.RFC3339), r.EndTime.Sub(r.StartTime).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "jobs:     %d executed, %d fresh, %d blocked\n", r.Executed, r.Fresh, r.Blocked)
	if r.TraceHash != "" {
		fmt.Fprintf(w, "trace:    %s (%s)\n", store.TracePath(r.RunID), r.TraceHash)
	}

	f, err := store.LoadFailure(runID)
	if errors.Is(err, runlog.ErrNoFailure) {
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\nfailure:  %s in %s\n", f.FailureClass, f.Phase)
	fmt.Fprintf(w, "error:    %s\n", f.ErrorMessage)
	if f.Path != "" {
		fmt.Fprintf(w, "file:     %s\n", f.Path)
	}
	if f.ExitCode != nil {
		fmt.Fprintf(w, "exit:     %d\n", *f.ExitCode)
	}
	if f.CommandLine != "" {
		fmt.Fprintf(w, "rerun:    %s\n", f.CommandLine)
	}
	if f.Stderr != "" {
		fmt.Fprintf(w, "stderr:\n%s", f.Stderr)
		if !strings.HasSuffix(f.Stderr, "\n") {
			fmt.Fprintln(w)
		}
	}
	return nil
}
