// Package core runs external collaborators for the pipeline.
//
// # Core Types
//
// Invocation: a typed description of one collaborator call (program,
// structured arguments, stdout redirection). No shell is involved.
//
// Executor: runs an Invocation to completion and maps a non-zero exit status
// to a *CollaboratorError carrying the verbatim command line.
//
// InputResolver: deterministic, sorted glob expansion of declared inputs.
//
// AtomicFile: temp-file-then-rename writes, so an artifact path only ever
// holds a complete file.
package core
