package shard

import (
	"path/filepath"
	"strings"
)

// Layout maps (kind, key) pairs to artifact paths.
type Layout struct {
	PreimageDir  string
	DictDir      string
	HashDir      string
	SliceDir     string
	TaskGroupDir string
}

const (
	unsortedSuffix = ".unsorted"
	sortedSuffix   = ".sorted"
)

// PreimagePattern globs the raw preimage files of a kind.
func (l Layout) PreimagePattern(k Kind) string {
	return filepath.Join(l.PreimageDir, k.Name+".*")
}

// DictShardDir is the directory holding every fragment of one shard.
func (l Layout) DictShardDir(key Key) string {
	return filepath.Join(l.DictDir, key.String())
}

// UnsortedFragment is the splitter output for one source file and one shard.
func (l Layout) UnsortedFragment(key Key, source string) string {
	return filepath.Join(l.DictShardDir(key), filepath.Base(source)+unsortedSuffix)
}

// UnsortedPattern globs every unsorted fragment of a kind in one shard.
func (l Layout) UnsortedPattern(k Kind, key Key) string {
	return filepath.Join(l.DictShardDir(key), k.Name+".*"+unsortedSuffix)
}

// SortedPattern globs every sorted fragment of a kind in one shard.
func (l Layout) SortedPattern(k Kind, key Key) string {
	return filepath.Join(l.DictShardDir(key), k.Name+".*"+sortedSuffix)
}

// SortedFragment is where the sorter leaves the sorted copy of an unsorted fragment.
func SortedFragment(unsorted string) string {
	return strings.TrimSuffix(unsorted, unsortedSuffix) + sortedSuffix
}

// HashFile is the merged, deduplicated hash file of one shard.
func (l Layout) HashFile(k Kind, key Key) string {
	return filepath.Join(l.HashDir, k.Name+"."+key.String())
}

// HashPattern globs every hash file of a kind.
func (l Layout) HashPattern(k Kind) string {
	return filepath.Join(l.HashDir, k.Name+".*")
}

// SliceFile is the slicer output for one combined shard.
func (l Layout) SliceFile(key Key) string {
	return filepath.Join(l.SliceDir, key.String())
}

// GroupInput is the artifact of (k, key) packed into k's task groups.
func (l Layout) GroupInput(k Kind, key Key) string {
	if k.Group == GroupFromSlice {
		return l.SliceFile(key)
	}
	return l.HashFile(k, key)
}

// TaskGroup is the container path of one window.
func (l Layout) TaskGroup(k Kind, w Window) string {
	return filepath.Join(l.TaskGroupDir, k.Name+"."+w.Name())
}
