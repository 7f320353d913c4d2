// Package config holds the settings of one pipeline run.
//
// Settings come from built-in defaults, optionally overlaid by a YAML file,
// then by command-line flags. Validate must pass before any stage runs: a
// partition width or group size the shard space cannot honour is reported
// here rather than halfway through a run.
package config

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"hashprep/internal/shard"
)

// Staleness oracle names.
const (
	StalenessMTime       = "mtime"
	StalenessFingerprint = "fingerprint"
)

// Config is the complete, resolved configuration of a run.
type Config struct {
	// PartitioningBits is k: the run uses 2^k shards.
	PartitioningBits int `yaml:"partitioning_bits"`

	// GroupSize is the number of consecutive shards per task group.
	// Zero disables grouping.
	GroupSize int `yaml:"group_size"`

	// SliceLength is passed to the slicer and slice checker as --l.
	SliceLength int `yaml:"slice_length"`

	// Cores sizes the splitter's MPI job: 2+2*cores processes.
	Cores int `yaml:"cores"`

	// Jobs bounds the number of collaborators running at once within a phase.
	Jobs int `yaml:"jobs"`

	Check bool `yaml:"check"`
	Slice bool `yaml:"slice"`
	Sort  bool `yaml:"sort"`

	DryRun bool `yaml:"-"`

	// Staleness selects the oracle: "mtime" or "fingerprint".
	Staleness string `yaml:"staleness"`

	Dirs  Dirs  `yaml:"dirs"`
	Tools Tools `yaml:"tools"`
}

// Dirs are the artifact directories, one per pipeline stage.
type Dirs struct {
	Preimages  string `yaml:"preimages"`
	Dict       string `yaml:"dict"`
	Hash       string `yaml:"hash"`
	Slice      string `yaml:"slice"`
	TaskGroups string `yaml:"task_groups"`

	// State holds run records and fingerprint manifests.
	State string `yaml:"state"`
}

// Tools are the external collaborator programs.
type Tools struct {
	Splitter     string `yaml:"splitter"`
	DictChecker  string `yaml:"dict_checker"`
	Sorter       string `yaml:"sorter"`
	Merger       string `yaml:"merger"`
	HashChecker  string `yaml:"hash_checker"`
	Slicer       string `yaml:"slicer"`
	SliceChecker string `yaml:"slice_checker"`

	// MPIRun launches the splitter. Empty runs the splitter directly.
	MPIRun string `yaml:"mpirun"`
}

// DefaultConfig returns the settings used when neither a file nor a flag
// says otherwise. Paths are relative to the working directory.
func DefaultConfig() *Config {
	return &Config{
		PartitioningBits: -1,
		SliceLength:      19,
		Cores:            1,
		Jobs:             1,
		Staleness:        StalenessMTime,
		Dirs: Dirs{
			Preimages:  "../data/preimages",
			Dict:       "../data/dict",
			Hash:       "../data/hash",
			Slice:      "../data/slice",
			TaskGroups: "../data/task_groups",
			State:      "../data/state",
		},
		Tools: Tools{
			Splitter:     "./splitter",
			DictChecker:  "./dict_checker",
			Sorter:       "./sorter",
			Merger:       "./merger",
			HashChecker:  "./hash_checker",
			Slicer:       "./slicer",
			SliceChecker: "./slice_checker",
			MPIRun:       "mpirun",
		},
	}
}

// Load overlays the YAML file at path onto the defaults. Unknown keys are
// rejected. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Field: "config", Msg: fmt.Sprintf("reading %s: %v", path, err)}
	}
	if err := decodeKnownFields(data, cfg); err != nil {
		return nil, &Error{Field: "config", Msg: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	return cfg, nil
}

func decodeKnownFields(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		// An empty document leaves the defaults alone.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return fmt.Errorf("multiple YAML documents are not supported")
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks every setting. The first violation is returned as *Error.
func (c *Config) Validate() error {
	space, err := shard.NewSpace(c.PartitioningBits)
	if err != nil {
		if c.PartitioningBits == -1 {
			return &Error{Field: "partitioning_bits", Msg: "is required"}
		}
		return &Error{Field: "partitioning_bits", Msg: err.Error()}
	}
	if c.GroupSize != 0 {
		if err := space.CheckGroupSize(c.GroupSize); err != nil {
			return &Error{Field: "group_size", Msg: err.Error()}
		}
	}
	if c.Cores < 1 {
		return &Error{Field: "cores", Msg: fmt.Sprintf("must be >= 1, got %d", c.Cores)}
	}
	if c.Jobs < 1 {
		return &Error{Field: "jobs", Msg: fmt.Sprintf("must be >= 1, got %d", c.Jobs)}
	}
	if c.Slice && c.SliceLength < 1 {
		return &Error{Field: "slice_length", Msg: fmt.Sprintf("must be >= 1, got %d", c.SliceLength)}
	}
	switch c.Staleness {
	case StalenessMTime, StalenessFingerprint:
	default:
		return &Error{Field: "staleness", Msg: fmt.Sprintf("unknown oracle %q (want %q or %q)", c.Staleness, StalenessMTime, StalenessFingerprint)}
	}

	dirs := map[string]string{
		"dirs.preimages":   c.Dirs.Preimages,
		"dirs.dict":        c.Dirs.Dict,
		"dirs.hash":        c.Dirs.Hash,
		"dirs.slice":       c.Dirs.Slice,
		"dirs.task_groups": c.Dirs.TaskGroups,
		"dirs.state":       c.Dirs.State,
	}
	for _, field := range sortedKeys(dirs) {
		if dirs[field] == "" {
			return &Error{Field: field, Msg: "must not be empty"}
		}
	}
	for _, t := range c.requiredTools() {
		if t.path == "" {
			return &Error{Field: "tools." + t.field, Msg: "must not be empty"}
		}
	}
	return nil
}

type toolField struct {
	field string
	path  string
}

// requiredTools lists the collaborators the enabled stages will invoke.
func (c *Config) requiredTools() []toolField {
	tools := []toolField{
		{"splitter", c.Tools.Splitter},
		{"merger", c.Tools.Merger},
	}
	if c.Check {
		tools = append(tools, toolField{"dict_checker", c.Tools.DictChecker}, toolField{"hash_checker", c.Tools.HashChecker})
	}
	if c.Sort {
		tools = append(tools, toolField{"sorter", c.Tools.Sorter})
	}
	if c.Slice {
		tools = append(tools, toolField{"slicer", c.Tools.Slicer})
		if c.Check {
			tools = append(tools, toolField{"slice_checker", c.Tools.SliceChecker})
		}
	}
	return tools
}

// Space is the partition space of the run. Call Validate first.
func (c *Config) Space() shard.Space {
	s, err := shard.NewSpace(c.PartitioningBits)
	if err != nil {
		panic(fmt.Sprintf("config: Space on unvalidated config: %v", err))
	}
	return s
}

// Layout maps shard keys to paths under the configured directories.
func (c *Config) Layout() shard.Layout {
	return shard.Layout{
		PreimageDir:  c.Dirs.Preimages,
		DictDir:      c.Dirs.Dict,
		HashDir:      c.Dirs.Hash,
		SliceDir:     c.Dirs.Slice,
		TaskGroupDir: c.Dirs.TaskGroups,
	}
}

// RunsDir holds one record directory per run.
func (c *Config) RunsDir() string { return filepath.Join(c.Dirs.State, "runs") }

// FingerprintDir holds the fingerprint oracle's manifests.
func (c *Config) FingerprintDir() string { return filepath.Join(c.Dirs.State, "fingerprints") }

// Fingerprint identifies the settings that shape a run's artifacts. Two runs
// with the same fingerprint issue the same invocations for the same inputs.
// Dry-run, verbosity and parallelism are not part of it.
func (c *Config) Fingerprint() string {
	h := blake3.New()
	writeInt := func(v int) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	writeString := func(s string) {
		writeInt(len(s))
		_, _ = h.Write([]byte(s))
	}
	writeBool := func(b bool) {
		if b {
			writeInt(1)
		} else {
			writeInt(0)
		}
	}

	writeInt(c.PartitioningBits)
	writeInt(c.GroupSize)
	writeInt(c.SliceLength)
	writeInt(c.Cores)
	writeBool(c.Check)
	writeBool(c.Slice)
	writeBool(c.Sort)
	writeString(c.Staleness)
	for _, s := range []string{
		c.Dirs.Preimages, c.Dirs.Dict, c.Dirs.Hash, c.Dirs.Slice, c.Dirs.TaskGroups,
		c.Tools.Splitter, c.Tools.DictChecker, c.Tools.Sorter, c.Tools.Merger,
		c.Tools.HashChecker, c.Tools.Slicer, c.Tools.SliceChecker, c.Tools.MPIRun,
	} {
		writeString(s)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// EnsureDirs creates every artifact directory, including one dictionary
// directory per shard key, so the splitter can write into them.
func (c *Config) EnsureDirs() error {
	layout := c.Layout()
	dirs := []string{c.Dirs.Hash, c.Dirs.TaskGroups, c.Dirs.State}
	if c.Slice {
		dirs = append(dirs, c.Dirs.Slice)
	}
	for _, key := range c.Space().Keys() {
		dirs = append(dirs, layout.DictShardDir(key))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}
