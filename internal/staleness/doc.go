// Package staleness decides whether a stage artifact must be (re)built.
//
// Every stage declares one output path and the input paths it is computed
// from. An Oracle compares the two and returns a Decision:
//
//	Blocked  a declared input does not exist yet; the job cannot run
//	Stale    the output is missing or older than an input; run the job
//	Fresh    the output is up to date; skip the job
//
// The answer is advisory. No file is locked and, for the MTime oracle, no
// content is read, so a file rewritten concurrently with the same or an older
// mtime can be reported Fresh. Callers accept that; the Fingerprint oracle
// narrows the window by comparing content digests instead.
package staleness
