// Package shard defines the partition space shared by every pipeline stage.
//
// A run picks one partition bit width k. Records of every kind are spread over
// the same 2^k shards, and each shard is addressed by a fixed-width key that
// appears verbatim in directory and file names:
//
//	<dict>/<key>/<source>.unsorted
//	<hash>/<kind>.<key>
//	<slice>/<key>
//	<task-groups>/<kind>.<window>
//
// Keys are three lowercase hex digits, which covers k <= MaxBits. External
// collaborators parse the same keys back out of paths, so the encoding is part
// of the on-disk contract and must not change.
package shard
