package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	icl "hashprep/internal/cli"
	"hashprep/internal/runlog"
	"hashprep/internal/taskgroup"
)

// Fake collaborators. Each appends its name to $HASHPREP_CALLS.
var tools = map[string]string{
	"splitter": `bits=$2; dir=$4; src=$5
n=$((1 << bits)); i=0
while [ $i -lt $n ]; do
  k=$(printf '%03x' $i)
  mkdir -p "$dir/$k"
  printf '0123456789abcdefghij' > "$dir/$k/$(basename "$src").unsorted"
  i=$((i + 1))
done`,
	"sorter": `cp "$1" "${1%.unsorted}.sorted"`,
	"merger": `out=$2; shift 2
: > "$out"
for f in "$@"; do printf 'abcdefgh' >> "$out"; done`,
	"slicer":         `in=$5; printf '12345678' > "$4/${in##*.}"`,
	"dict_checker":   `:`,
	"hash_checker":   `:`,
	"slice_checker":  `:`,
	"failing_merger": `echo "merger exploded" >&2; exit 7`,
}

type workspace struct {
	root   string
	config string
	calls  string
}

func newWorkspace(t *testing.T, merger string) workspace {
	t.Helper()
	root := t.TempDir()
	bin := filepath.Join(root, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatalf("mkdir bin: %v", err)
	}
	for name, body := range tools {
		script := "#!/bin/sh\necho " + name + " >> \"$HASHPREP_CALLS\"\n" + body + "\n"
		if err := os.WriteFile(filepath.Join(bin, name), []byte(script), 0o755); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	pre := filepath.Join(root, "data", "preimages")
	if err := os.MkdirAll(pre, 0o755); err != nil {
		t.Fatalf("mkdir preimages: %v", err)
	}
	for _, name := range []string{"foo.1", "bar.1", "foobar.1"} {
		if err := os.WriteFile(filepath.Join(pre, name), make([]byte, 48), 0o644); err != nil {
			t.Fatalf("write preimage: %v", err)
		}
	}

	cfg := fmt.Sprintf(`partitioning_bits: 2
slice_length: 19
dirs:
  preimages: %[1]s/data/preimages
  dict: %[1]s/data/dict
  hash: %[1]s/data/hash
  slice: %[1]s/data/slice
  task_groups: %[1]s/data/task_groups
  state: %[1]s/data/state
tools:
  splitter: %[2]s/splitter
  dict_checker: %[2]s/dict_checker
  sorter: %[2]s/sorter
  merger: %[2]s/%[3]s
  hash_checker: %[2]s/hash_checker
  slicer: %[2]s/slicer
  slice_checker: %[2]s/slice_checker
  mpirun: ""
`, root, bin, merger)
	cfgPath := filepath.Join(root, "hashprep.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	calls := filepath.Join(root, "calls")
	t.Setenv("HASHPREP_CALLS", calls)
	return workspace{root: root, config: cfgPath, calls: calls}
}

func (w workspace) path(parts ...string) string {
	return filepath.Join(append([]string{w.root, "data"}, parts...)...)
}

func (w workspace) callCount(t *testing.T) map[string]int {
	t.Helper()
	b, err := os.ReadFile(w.calls)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int{}
		}
		t.Fatalf("read calls: %v", err)
	}
	counts := map[string]int{}
	for _, line := range strings.Fields(string(b)) {
		counts[line]++
	}
	return counts
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := icl.Run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}

func onlyRun(t *testing.T, w workspace) string {
	t.Helper()
	entries, err := os.ReadDir(w.path("state", "runs"))
	if err != nil {
		t.Fatalf("read runs dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one run record, got %d", len(entries))
	}
	return entries[0].Name()
}

func TestRun_FullPipelineThenIdempotent(t *testing.T) {
	w := newWorkspace(t, "merger")
	tracePath := filepath.Join(w.root, "trace.json")
	args := []string{"run", "--config", w.config, "--sort", "--check", "--slice", "--group", "2", "--trace", tracePath}

	code, _, stderr := run(t, args...)
	if code != icl.ExitSuccess {
		t.Fatalf("first run exit %d: %s", code, stderr)
	}

	got := w.callCount(t)
	want := map[string]int{
		"splitter":      3,
		"dict_checker":  12,
		"sorter":        12,
		"merger":        12,
		"hash_checker":  12,
		"slicer":        4,
		"slice_checker": 4,
	}
	for name, n := range want {
		if got[name] != n {
			t.Fatalf("%s invoked %d times, want %d (all calls: %v)", name, got[name], n, got)
		}
	}

	for _, kind := range []string{"foo", "bar", "foobar"} {
		for _, window := range []string{"000", "001"} {
			c, err := taskgroup.Open(w.path("task_groups", kind+"."+window))
			if err != nil {
				t.Fatalf("open container %s.%s: %v", kind, window, err)
			}
			if n := c.Header.Count(); n != 2 {
				t.Fatalf("container %s.%s holds %d files, want 2", kind, window, n)
			}
			_ = c.Close()
		}
	}
	if len(readFile(t, tracePath)) == 0 {
		t.Fatalf("trace not written")
	}

	// A second run only re-runs the checkers.
	if err := os.Remove(w.calls); err != nil {
		t.Fatalf("remove calls: %v", err)
	}
	code, _, stderr = run(t, args...)
	if code != icl.ExitSuccess {
		t.Fatalf("second run exit %d: %s", code, stderr)
	}
	got = w.callCount(t)
	for _, name := range []string{"splitter", "sorter", "merger", "slicer"} {
		if got[name] != 0 {
			t.Fatalf("second run invoked %s %d times", name, got[name])
		}
	}
	tr2 := readFile(t, tracePath)

	code, _, _ = run(t, args...)
	if code != icl.ExitSuccess {
		t.Fatalf("third run exit %d", code)
	}
	if string(tr2) != string(readFile(t, tracePath)) {
		t.Fatalf("trace differs between identical up-to-date runs")
	}
}

func TestRun_RecordsRun(t *testing.T) {
	w := newWorkspace(t, "merger")
	code, _, stderr := run(t, "run", "--config", w.config, "--sort")
	if code != icl.ExitSuccess {
		t.Fatalf("exit %d: %s", code, stderr)
	}

	id := onlyRun(t, w)
	var rec map[string]any
	if err := json.Unmarshal(readFile(t, w.path("state", "runs", id, "run.json")), &rec); err != nil {
		t.Fatalf("decode run.json: %v", err)
	}
	if rec["status"] != string(runlog.RunStatusDone) || rec["command"] != "run" || rec["phase"] != "done" {
		t.Fatalf("unexpected run record: %v", rec)
	}
	if rec["trace_hash"] == "" || rec["trace_hash"] == nil {
		t.Fatalf("expected trace hash in run record: %v", rec)
	}
	if _, err := os.Stat(w.path("state", "runs", id, "failure.json")); !os.IsNotExist(err) {
		t.Fatalf("unexpected failure record: %v", err)
	}
}

func TestRun_CollaboratorFailure(t *testing.T) {
	w := newWorkspace(t, "failing_merger")
	code, _, stderr := run(t, "run", "--config", w.config, "--sort")
	if code != icl.ExitPipelineFailure {
		t.Fatalf("exit %d, want %d: %s", code, icl.ExitPipelineFailure, stderr)
	}
	if !strings.Contains(stderr, "failing_merger --output") {
		t.Fatalf("error should carry the verbatim command line: %s", stderr)
	}
	if got := w.callCount(t)["failing_merger"]; got != 1 {
		t.Fatalf("failing merger invoked %d times, want 1", got)
	}

	id := onlyRun(t, w)
	store, err := runlog.NewStore(w.path("state", "runs"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	f, err := store.LoadFailure(id)
	if err != nil {
		t.Fatalf("LoadFailure: %v", err)
	}
	if f.FailureClass != runlog.FailureClassCollaborator || f.Phase != "merging" {
		t.Fatalf("unexpected failure: %+v", f)
	}
	if f.ExitCode == nil || *f.ExitCode != 7 || !strings.HasSuffix(f.Program, "failing_merger") {
		t.Fatalf("unexpected failure details: %+v", f)
	}
	r, err := store.LoadRun(id)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if r.Status != runlog.RunStatusFailed {
		t.Fatalf("run status %q, want failed", r.Status)
	}
}

func TestRuns_ShowsFailureCommandLine(t *testing.T) {
	w := newWorkspace(t, "failing_merger")
	if code, _, stderr := run(t, "run", "--config", w.config, "--sort"); code != icl.ExitPipelineFailure {
		t.Fatalf("run exit %d: %s", code, stderr)
	}
	id := onlyRun(t, w)

	code, stdout, stderr := run(t, "runs", "--config", w.config)
	if code != icl.ExitSuccess {
		t.Fatalf("runs exit %d: %s", code, stderr)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one run, got:\n%s", stdout)
	}
	if f := strings.Fields(lines[1]); len(f) != 8 || f[0] != id || f[1] != "run" || f[2] != "failed" || f[3] != "failed" {
		t.Fatalf("unexpected run row %q", lines[1])
	}

	code, stdout, stderr = run(t, "runs", "--state-dir", w.path("state"), id)
	if code != icl.ExitSuccess {
		t.Fatalf("runs %s exit %d: %s", id, code, stderr)
	}
	for _, want := range []string{
		"status:   failed",
		"failure:  collaborator in merging",
		"exit:     7",
		"failing_merger --output " + w.path("hash"),
		"merger exploded",
	} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("runs output missing %q:\n%s", want, stdout)
		}
	}
	if !strings.Contains(stdout, "rerun:    ") {
		t.Fatalf("runs output should carry a rerun line:\n%s", stdout)
	}

	if code, _, _ := run(t, "runs", "--config", w.config, "no-such-run"); code == icl.ExitSuccess {
		t.Fatalf("unknown run id should fail")
	}
	if code, _, _ := run(t, "runs", "a", "b"); code != icl.ExitInvalidInvocation {
		t.Fatalf("two run ids: exit %d, want %d", code, icl.ExitInvalidInvocation)
	}
}

func TestRuns_SuccessfulRunHasNoFailure(t *testing.T) {
	w := newWorkspace(t, "merger")
	if code, _, stderr := run(t, "run", "--config", w.config, "--sort"); code != icl.ExitSuccess {
		t.Fatalf("run exit %d: %s", code, stderr)
	}
	code, stdout, stderr := run(t, "runs", "--config", w.config, onlyRun(t, w))
	if code != icl.ExitSuccess {
		t.Fatalf("runs exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "status:   done") || strings.Contains(stdout, "failure:") {
		t.Fatalf("unexpected runs output:\n%s", stdout)
	}
	if !strings.Contains(stdout, "trace:    "+w.path("state", "runs", onlyRun(t, w), "trace.json")) {
		t.Fatalf("runs output should point at the saved trace:\n%s", stdout)
	}
}

func TestRun_BlockedWindowsAreIncomplete(t *testing.T) {
	w := newWorkspace(t, "merger")
	// Without slicing the combined kind has nothing to group.
	code, _, stderr := run(t, "run", "--config", w.config, "--sort", "--group", "4")
	if code != icl.ExitIncomplete {
		t.Fatalf("exit %d, want %d: %s", code, icl.ExitIncomplete, stderr)
	}
	if _, err := os.Stat(w.path("task_groups", "foo.000")); err != nil {
		t.Fatalf("foo window should be packed: %v", err)
	}
	if _, err := os.Stat(w.path("task_groups", "foobar.000")); !os.IsNotExist(err) {
		t.Fatalf("foobar window should be blocked: %v", err)
	}

	r, err := func() (runlog.Run, error) {
		store, err := runlog.NewStore(w.path("state", "runs"))
		if err != nil {
			return runlog.Run{}, err
		}
		return store.LoadRun(onlyRun(t, w))
	}()
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if r.Status != runlog.RunStatusIncomplete || r.Blocked != 1 {
		t.Fatalf("unexpected run record: %+v", r)
	}
}

func TestGroup_RegroupsExistingHashes(t *testing.T) {
	w := newWorkspace(t, "merger")
	if code, _, stderr := run(t, "run", "--config", w.config, "--sort", "--slice"); code != icl.ExitSuccess {
		t.Fatalf("run exit %d: %s", code, stderr)
	}
	if err := os.Remove(w.calls); err != nil {
		t.Fatalf("remove calls: %v", err)
	}

	code, _, stderr := run(t, "group", "--config", w.config, "--group", "1")
	if code != icl.ExitSuccess {
		t.Fatalf("group exit %d: %s", code, stderr)
	}
	if n := len(w.callCount(t)); n != 0 {
		t.Fatalf("group invoked collaborators: %v", w.callCount(t))
	}
	entries, err := os.ReadDir(w.path("task_groups"))
	if err != nil {
		t.Fatalf("read task groups: %v", err)
	}
	if len(entries) != 12 {
		t.Fatalf("expected 12 containers, got %d", len(entries))
	}

	code, _, _ = run(t, "group", "--config", w.config)
	if code != icl.ExitConfigError {
		t.Fatalf("group without a group size: exit %d, want %d", code, icl.ExitConfigError)
	}
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	w := newWorkspace(t, "merger")
	code, _, stderr := run(t, "run", "--config", w.config, "--dry-run", "--group", "2")
	if code != icl.ExitIncomplete {
		t.Fatalf("exit %d, want %d: %s", code, icl.ExitIncomplete, stderr)
	}
	if !strings.Contains(stderr, "splitter --partitioning-bits 2") {
		t.Fatalf("dry run should log the invocations: %s", stderr)
	}
	if n := len(w.callCount(t)); n != 0 {
		t.Fatalf("dry run invoked collaborators: %v", w.callCount(t))
	}
	for _, dir := range []string{"dict", "hash", "task_groups", "state"} {
		if _, err := os.Stat(w.path(dir)); !os.IsNotExist(err) {
			t.Fatalf("dry run created %s", dir)
		}
	}
}

func TestInvocationErrors(t *testing.T) {
	w := newWorkspace(t, "merger")
	cases := []struct {
		name string
		args []string
		want int
	}{
		{"unknown command", []string{"frobnicate"}, icl.ExitInvalidInvocation},
		{"unknown flag", []string{"run", "--no-such-flag"}, icl.ExitInvalidInvocation},
		{"positional args", []string{"run", "extra"}, icl.ExitInvalidInvocation},
		{"bad log format", []string{"run", "--log-format", "xml"}, icl.ExitInvalidInvocation},
		{"missing bits", []string{"run"}, icl.ExitConfigError},
		{"bits out of range", []string{"run", "--config", w.config, "-k", "13"}, icl.ExitConfigError},
		{"bad group size", []string{"run", "--config", w.config, "--group", "3"}, icl.ExitConfigError},
		{"zero jobs", []string{"run", "--config", w.config, "--jobs", "0"}, icl.ExitConfigError},
		{"missing config file", []string{"run", "--config", filepath.Join(w.root, "nope.yaml")}, icl.ExitConfigError},
		{"inspect arity", []string{"inspect"}, icl.ExitInvalidInvocation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _, stderr := run(t, tc.args...)
			if code != tc.want {
				t.Fatalf("exit %d, want %d: %s", code, tc.want, stderr)
			}
		})
	}
	if n := len(w.callCount(t)); n != 0 {
		t.Fatalf("invalid invocations ran collaborators: %v", w.callCount(t))
	}
}

func TestPackAndInspect(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, size := range []int{16, 24, 8, 16} {
		p := filepath.Join(dir, fmt.Sprintf("in.%d", i))
		if err := os.WriteFile(p, bytes.Repeat([]byte{byte(i + 1)}, size), 0o644); err != nil {
			t.Fatalf("write input: %v", err)
		}
		paths = append(paths, p)
	}

	code, stdout, stderr := run(t, append([]string{"pack"}, paths...)...)
	if code != icl.ExitSuccess {
		t.Fatalf("pack to stdout exit %d: %s", code, stderr)
	}
	if len(stdout) != 8*6+64 {
		t.Fatalf("container is %d bytes, want %d", len(stdout), 8*6+64)
	}

	out := filepath.Join(dir, "foo.000")
	if code, _, stderr := run(t, append([]string{"pack", "-o", out}, paths...)...); code != icl.ExitSuccess {
		t.Fatalf("pack -o exit %d: %s", code, stderr)
	}
	if string(readFile(t, out)) != stdout {
		t.Fatalf("pack -o and pack to stdout differ")
	}

	code, stdout, stderr = run(t, "inspect", "--expect", "4", out)
	if code != icl.ExitSuccess {
		t.Fatalf("inspect exit %d: %s", code, stderr)
	}
	for _, want := range []string{"files: 4", "size: 112"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, stdout)
		}
	}
	var rows []string
	for _, line := range strings.Split(stdout, "\n") {
		if f := strings.Fields(line); len(f) == 4 && !strings.HasSuffix(f[0], ":") {
			rows = append(rows, strings.Join(f, " "))
		}
	}
	wantRows := []string{"FILE START END WORDS", "0 48 64 2", "1 64 88 3", "2 88 96 1", "3 96 112 2"}
	if strings.Join(rows, "|") != strings.Join(wantRows, "|") {
		t.Fatalf("inspect rows %q, want %q", rows, wantRows)
	}

	if code, _, _ := run(t, "inspect", "--expect", "8", out); code != icl.ExitFormatError {
		t.Fatalf("wrong group size: exit %d, want %d", code, icl.ExitFormatError)
	}

	odd := filepath.Join(dir, "odd")
	if err := os.WriteFile(odd, make([]byte, 7), 0o644); err != nil {
		t.Fatalf("write odd: %v", err)
	}
	code, stdout, _ = run(t, "pack", paths[0], odd)
	if code != icl.ExitFormatError {
		t.Fatalf("misaligned input: exit %d, want %d", code, icl.ExitFormatError)
	}
	if stdout != "" {
		t.Fatalf("misaligned input wrote %d bytes", len(stdout))
	}
}

func TestStats_LogsCounts(t *testing.T) {
	w := newWorkspace(t, "merger")
	if code, _, stderr := run(t, "run", "--config", w.config, "--sort"); code != icl.ExitSuccess {
		t.Fatalf("run exit %d: %s", code, stderr)
	}
	code, _, stderr := run(t, "stats", "--config", w.config)
	if code != icl.ExitSuccess {
		t.Fatalf("stats exit %d: %s", code, stderr)
	}
	if !strings.Contains(stderr, `"msg":"statistics"`) || !strings.Contains(stderr, "expected_solutions") {
		t.Fatalf("stats log missing fields: %s", stderr)
	}
}
