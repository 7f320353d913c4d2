// Package cli is the hashprep command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hashprep/internal/config"
)

// app holds the flag values and streams of one command-line invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	verbose    bool
	logFormat  string
	tracePath  string

	bits      int
	groupSize int
	check     bool
	slice     bool
	sort      bool
	dryRun    bool
	cores     int
	jobs      int
	staleness string

	logger *zap.Logger

	// started is set once a command's own code begins, so errors cobra
	// raises while parsing are reported as usage errors.
	started bool
}

// newRoot builds the hashprep command tree writing to stdout and stderr.
func newRoot(stdout, stderr io.Writer) (*cobra.Command, *app) {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "hashprep",
		Short: "Incremental shard-partitioned preprocessing for the 3-way hash collision search",
		Long: `hashprep splits preimage files into 2^k dictionary shards, merges them into
per-shard hash files, optionally slices the combined kind, and packs windows of
consecutive shards into task-group containers for the compute workers.

Every stage is incremental: an artifact is rebuilt only when one of its inputs
is newer than it, so an interrupted run resumes where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.started = true
			logger, err := newLogger(a.stderr, a.verbose, a.logFormat)
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &InvocationError{ExitCode: ExitInvalidInvocation, Message: err.Error(), Cause: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML configuration file")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&a.logFormat, "log-format", "json", "Log encoding: json|console")

	root.AddCommand(a.newRunCommand())
	root.AddCommand(a.newGroupCommand())
	root.AddCommand(a.newPackCommand())
	root.AddCommand(a.newInspectCommand())
	root.AddCommand(a.newStatsCommand())
	root.AddCommand(a.newRunsCommand())
	return root, a
}

// Run executes the command line args (without argv[0]) and returns the exit
// status. Errors are printed to stderr.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, a := newRoot(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	fmt.Fprintln(stderr, "hashprep:", err)

	code := ExitCode(err)
	if code == ExitInternalError && !a.started {
		// Unknown commands and argument errors from cobra itself.
		return ExitInvalidInvocation
	}
	return code
}

func newLogger(w io.Writer, verbose bool, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	var enc zapcore.Encoder
	switch format {
	case "json":
		enc = zapcore.NewJSONEncoder(cfg.EncoderConfig)
	case "console":
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	default:
		return nil, invalidInvocationf("invalid --log-format %q (expected json|console)", format)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), cfg.Level)
	return zap.New(core), nil
}

// addConfigFlags registers the flags that override configuration settings.
func (a *app) addConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVarP(&a.bits, "partitioning-bits", "k", 0, "Partitioning bits k: the run uses 2^k shards (0..12)")
	f.IntVar(&a.groupSize, "group", 0, "Shards per task group; 0 disables grouping")
	f.BoolVar(&a.check, "check", false, "Run the dictionary, hash and slice checkers")
	f.BoolVar(&a.slice, "slice", false, "Slice the combined hash files")
	f.BoolVar(&a.sort, "sort", false, "Sort dictionary fragments before merging")
	f.IntVar(&a.cores, "cores", 0, "Cores per splitter job (MPI runs 2+2*cores processes)")
	f.IntVarP(&a.jobs, "jobs", "j", 0, "Collaborators running at once within a phase")
	f.StringVar(&a.staleness, "staleness", "", "Staleness oracle: mtime|fingerprint")
}

// addRunFlags registers the flags of the commands that drive the pipeline.
func (a *app) addRunFlags(cmd *cobra.Command) {
	a.addConfigFlags(cmd)
	f := cmd.Flags()
	f.BoolVar(&a.dryRun, "dry-run", false, "Log every invocation without running or writing anything")
	f.StringVar(&a.tracePath, "trace", "", "Write the canonical decision trace to this file")
}

// loadConfig overlays the config file and then every flag the user set onto
// the defaults, and validates the result.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	if f.Changed("partitioning-bits") {
		cfg.PartitioningBits = a.bits
	}
	if f.Changed("group") {
		cfg.GroupSize = a.groupSize
	}
	if f.Changed("check") {
		cfg.Check = a.check
	}
	if f.Changed("slice") {
		cfg.Slice = a.slice
	}
	if f.Changed("sort") {
		cfg.Sort = a.sort
	}
	if f.Changed("cores") {
		cfg.Cores = a.cores
	}
	if f.Changed("jobs") {
		cfg.Jobs = a.jobs
	}
	if f.Changed("staleness") {
		cfg.Staleness = a.staleness
	}
	cfg.DryRun = a.dryRun

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
