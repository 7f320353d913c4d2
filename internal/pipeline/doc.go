// Package pipeline drives a preprocessing run end to end.
//
// A run moves through a fixed sequence of phases:
//
//	not-started -> splitting -> [checking-dictionaries] -> [sorting] -> merging
//	  -> [checking-hashes] -> [slicing] -> [grouping] -> done
//
// and any phase may end in failed. Bracketed phases are enabled by
// configuration. Each phase enumerates its jobs in a fixed order (kinds in
// declared order, shard keys ascending), asks the staleness oracle about each
// one and hands the stale ones to a bounded worker pool. A phase only starts
// once every job of the previous phase has finished.
//
// Jobs never share an output path. The first failing job stops dispatch; jobs
// already running are allowed to finish, and the run ends in failed without
// starting another phase.
//
// A rerun over unchanged inputs invokes no producing collaborator. The
// checking phases are the exception: checkers verify existing artifacts and
// write nothing the oracle could consult, so with checks enabled they run on
// every run.
package pipeline
