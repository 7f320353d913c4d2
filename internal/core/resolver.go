package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// InputResolver expands glob patterns into the sorted list of regular files
// they name. Stages rely on the order for deterministic argument lists and
// logs, so directory iteration order never leaks through.
type InputResolver struct {
	// BaseDir resolves relative patterns. Empty means as given.
	BaseDir string
}

// NewInputResolver creates a resolver rooted at baseDir.
func NewInputResolver(baseDir string) *InputResolver {
	return &InputResolver{BaseDir: baseDir}
}

// Resolve expands every pattern and returns the union, sorted and without
// duplicates. Directories are skipped. A pattern that matches nothing
// contributes nothing.
func (r *InputResolver) Resolve(patterns ...string) ([]string, error) {
	set := make(map[string]struct{})
	for _, pattern := range patterns {
		matches, err := r.expandPattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("expanding pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			set[m] = struct{}{}
		}
	}

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (r *InputResolver) expandPattern(pattern string) ([]string, error) {
	full := pattern
	if r.BaseDir != "" && !filepath.IsAbs(pattern) {
		full = filepath.Join(r.BaseDir, pattern)
	}

	matches, err := filepath.Glob(full)
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern: %w", err)
	}

	files := make([]string, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			// Vanished between Glob and Stat.
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat %q: %w", m, err)
		}
		if info.IsDir() {
			continue
		}
		// Temporary files of an in-flight atomic write are never inputs.
		if isTempArtifact(m) {
			continue
		}
		files = append(files, m)
	}
	return files, nil
}

// isTempArtifact matches the names CreateAtomic gives its temporary files.
func isTempArtifact(path string) bool {
	ok, _ := filepath.Match("*.tmp.*", filepath.Base(path))
	return ok
}
