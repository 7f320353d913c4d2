// Package taskgroup reads and writes task-group containers.
//
// A container concatenates n same-kind shard files behind an index of 64-bit
// word offsets, so a worker can map the whole blob once and find every
// original file without the file list:
//
//	word 0        n
//	word 1..n     start of file j, in words from the start of the blob
//	word n+1      end of the last file
//	word n+2...   file 0 | file 1 | ... | file n-1   (no padding)
//
// Offsets start at n+2, the header's own length in words, and grow by each
// file's word count. File j occupies bytes [8*off[j], 8*off[j+1]).
//
// Words are little-endian. The worker loader byte-swaps on big-endian hosts,
// which makes little-endian the on-disk order everywhere.
package taskgroup
