package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hashprep/internal/config"
	"hashprep/internal/core"
	"hashprep/internal/shard"
)

// fakeRunner imitates the collaborators by writing plausible artifacts.
type fakeRunner struct {
	mu    sync.Mutex
	calls []core.Invocation

	// failOutput makes the job whose output (or checked file) ends with this
	// suffix fail.
	failOutput string
	// partial makes a failing merger leave its output behind.
	partial bool
	// delay slows every successful invocation, failDelay the failing one.
	delay     time.Duration
	failDelay time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, inv core.Invocation) (*core.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()

	target := targetOf(inv)
	if f.failOutput != "" && strings.HasSuffix(target, f.failOutput) {
		time.Sleep(f.failDelay)
		if f.partial && inv.Stage == "merge" {
			_ = os.WriteFile(target, []byte("half"), 0o644)
		}
		return nil, &core.CollaboratorError{Invocation: inv, ExitCode: 1}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	switch inv.Stage {
	case "split":
		return f.result(inv), fakeSplit(inv.Args)
	case "sort":
		src := inv.Args[0]
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, err
		}
		return f.result(inv), os.WriteFile(shard.SortedFragment(src), data, 0o644)
	case "merge":
		// One 8-byte word per input fragment.
		return f.result(inv), os.WriteFile(inv.Args[1], make([]byte, 8*len(inv.Args[2:])), 0o644)
	case "slice":
		in := inv.Args[len(inv.Args)-1]
		key := filepath.Ext(in)[1:]
		return f.result(inv), os.WriteFile(filepath.Join(inv.Args[3], key), make([]byte, 16), 0o644)
	}
	return f.result(inv), nil
}

func (f *fakeRunner) result(inv core.Invocation) *core.Result {
	return &core.Result{Invocation: inv}
}

func (f *fakeRunner) stages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Stage
	}
	return out
}

func (f *fakeRunner) count(stage string) int {
	n := 0
	for _, s := range f.stages() {
		if s == stage {
			n++
		}
	}
	return n
}

func (f *fakeRunner) reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// targetOf is the file an invocation produces or checks.
func targetOf(inv core.Invocation) string {
	switch inv.Stage {
	case "merge":
		return inv.Args[1]
	case "sort", "check-hash", "check-dict":
		return inv.Args[len(inv.Args)-1]
	case "slice":
		in := inv.Args[len(inv.Args)-1]
		return filepath.Join(inv.Args[3], filepath.Ext(in)[1:])
	case "check-slice":
		return inv.Args[3]
	}
	return ""
}

// fakeSplit writes one unsorted fragment per shard, 20 bytes each.
func fakeSplit(args []string) error {
	var bits int
	var dir string
	for i := 0; i < len(args)-1; i++ {
		switch args[i] {
		case "--partitioning-bits":
			bits, _ = strconv.Atoi(args[i+1])
		case "--output-dir":
			dir = args[i+1]
		}
	}
	src := args[len(args)-1]
	for i := 0; i < 1<<bits; i++ {
		path := filepath.Join(dir, shard.Key(i).String(), filepath.Base(src)+".unsorted")
		if err := os.WriteFile(path, make([]byte, 20), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func testConfig(t *testing.T, bits int) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.PartitioningBits = bits
	cfg.Tools.MPIRun = ""
	cfg.Dirs = config.Dirs{
		Preimages:  filepath.Join(root, "preimages"),
		Dict:       filepath.Join(root, "dict"),
		Hash:       filepath.Join(root, "hash"),
		Slice:      filepath.Join(root, "slice"),
		TaskGroups: filepath.Join(root, "task_groups"),
		State:      filepath.Join(root, "state"),
	}
	return cfg
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func writePreimages(t *testing.T, cfg *config.Config, names ...string) {
	t.Helper()
	for _, n := range names {
		writeFile(t, filepath.Join(cfg.Dirs.Preimages, n), 12*4)
	}
}

func setMTime(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}
