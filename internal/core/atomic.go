package core

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicFile is a temporary sibling of its destination that only replaces the
// destination on Commit. Readers never observe a partially written artifact,
// and an aborted write leaves the previous artifact (and its mtime) untouched.
type AtomicFile struct {
	*os.File

	path string
	perm os.FileMode
	done bool
}

// CreateAtomic opens a temporary file next to path. Parent directories are
// created as needed.
func CreateAtomic(path string, perm os.FileMode) (*AtomicFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return nil, err
	}
	return &AtomicFile{File: tmp, path: path, perm: perm}, nil
}

// Path is the final destination.
func (f *AtomicFile) Path() string { return f.path }

// Commit syncs the temporary file and renames it over the destination.
func (f *AtomicFile) Commit() error {
	if f.done {
		return fmt.Errorf("atomic file %s already closed", f.path)
	}
	f.done = true
	tmpName := f.File.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := f.File.Chmod(f.perm); err != nil {
		_ = f.File.Close()
		return err
	}
	_ = f.File.Sync() // best-effort durability
	if err := f.File.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return err
	}
	committed = true
	return nil
}

// Abort discards the temporary file. It is safe to call after Commit.
func (f *AtomicFile) Abort() {
	if f.done {
		return
	}
	f.done = true
	_ = f.File.Close()
	_ = os.Remove(f.File.Name())
}

// WriteFileAtomic writes data to path through an AtomicFile.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	f, err := CreateAtomic(path, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return err
	}
	return f.Commit()
}
