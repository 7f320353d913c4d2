// Package runlog persists one record per pipeline run, plus a failure record
// for runs that did not finish, under:
//
//	<state>/runs/<run-id>/run.json
//	<state>/runs/<run-id>/failure.json
//	<state>/runs/<run-id>/trace.json
//
// Records are written atomically and synced to disk. Reads are strict:
// unknown fields and trailing data are errors.
package runlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	runFile     = "run.json"
	failureFile = "failure.json"
	traceFile   = "trace.json"
)

// ErrNoFailure is returned by LoadFailure for a run that recorded none.
var ErrNoFailure = errors.New("no failure recorded")

// Store reads and writes run records below one runs directory.
type Store struct {
	dir string
}

func NewStore(runsDir string) (*Store, error) {
	if strings.TrimSpace(runsDir) == "" {
		return nil, errors.New("runs directory is required")
	}
	return &Store{dir: runsDir}, nil
}

// TracePath is where the run's decision trace is kept.
func (s *Store) TracePath(runID string) string {
	return filepath.Join(s.dir, runID, traceFile)
}

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	return s.saveJSON(run.RunID, runFile, run)
}

func (s *Store) SaveFailure(runID string, f Failure) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	return s.saveJSON(runID, failureFile, f)
}

// SaveTrace stores canonical trace bytes for the run.
func (s *Store) SaveTrace(runID string, canonical []byte) error {
	return s.save(runID, traceFile, canonical)
}

func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if err := s.loadJSON(runID, runFile, &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("run %s: %w", runID, err)
	}
	return run, nil
}

// LoadFailure returns the failure of runID, or ErrNoFailure.
func (s *Store) LoadFailure(runID string) (Failure, error) {
	var f Failure
	err := s.loadJSON(runID, failureFile, &f)
	if errors.Is(err, fs.ErrNotExist) {
		return Failure{}, ErrNoFailure
	}
	if err != nil {
		return Failure{}, err
	}
	if err := f.Validate(); err != nil {
		return Failure{}, fmt.Errorf("failure of run %s: %w", runID, err)
	}
	return f, nil
}

// Runs loads every run record, oldest first. Directories without a readable
// record are reported in skipped rather than failing the listing.
func (s *Store) Runs() (runs []Run, skipped map[string]error, err error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, lerr := s.LoadRun(e.Name())
		if lerr != nil {
			if skipped == nil {
				skipped = make(map[string]error)
			}
			skipped[e.Name()] = lerr
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].StartTime.Before(runs[j].StartTime)
		}
		return runs[i].RunID < runs[j].RunID
	})
	return runs, skipped, nil
}

func (s *Store) saveJSON(runID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return s.save(runID, name, append(data, '\n'))
}

func (s *Store) save(runID, name string, data []byte) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	dir := filepath.Join(s.dir, runID)
	if err := mkdirSynced(dir); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := writeSynced(path, data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (s *Store) loadJSON(runID, name string, dst any) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	path := filepath.Join(s.dir, runID, name)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("decoding %s: trailing data", path)
	}
	return nil
}

// checkRunID refuses ids that would escape the runs directory.
func checkRunID(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("run id is required")
	}
	if runID != filepath.Base(runID) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

// mkdirSynced creates dir and syncs it and its parent so the new entry
// survives a crash.
func mkdirSynced(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := syncDir(dir); err != nil {
		return err
	}
	return syncDir(filepath.Dir(dir))
}

// writeSynced replaces path with data: temp file, fsync, rename, then a
// sync of the directory.
func writeSynced(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Chmod(0o644)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		_ = os.Remove(name)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
