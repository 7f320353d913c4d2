package core

import (
	"fmt"
	"regexp"
	"strings"
)

// StdoutMode selects where a collaborator's standard output goes.
type StdoutMode int

const (
	// StdoutInherit passes output through to the pipeline's own stdout.
	StdoutInherit StdoutMode = iota
	// StdoutDiscard drops it.
	StdoutDiscard
	// StdoutFile writes it to Invocation.StdoutPath, committed only on success.
	StdoutFile
)

// Invocation is a fully materialized call of one external collaborator.
//
// Arguments are passed to the program directly, never through a shell, so
// paths need no quoting and a failure can be reported exactly as issued.
type Invocation struct {
	// Stage labels the invocation in logs and errors (e.g. "merge").
	Stage string

	Program string
	Args    []string

	Stdout     StdoutMode
	StdoutPath string

	// Env holds variables added on top of the pipeline's environment.
	Env map[string]string
}

// Validate checks that the descriptor can be executed.
func (inv Invocation) Validate() error {
	if inv.Program == "" {
		return fmt.Errorf("invocation %q: program is required", inv.Stage)
	}
	if inv.Stdout == StdoutFile && inv.StdoutPath == "" {
		return fmt.Errorf("invocation %q: stdout path is required", inv.Stage)
	}
	return nil
}

// Argv is the program followed by its arguments.
func (inv Invocation) Argv() []string {
	argv := make([]string, 0, len(inv.Args)+1)
	argv = append(argv, inv.Program)
	return append(argv, inv.Args...)
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// CommandLine renders the invocation as a shell command that reproduces it
// by hand, including the stdout redirection.
func (inv Invocation) CommandLine() string {
	parts := make([]string, 0, len(inv.Args)+3)
	for _, a := range inv.Argv() {
		parts = append(parts, shellQuote(a))
	}
	switch inv.Stdout {
	case StdoutDiscard:
		parts = append(parts, ">", "/dev/null")
	case StdoutFile:
		parts = append(parts, ">", shellQuote(inv.StdoutPath))
	}
	return strings.Join(parts, " ")
}
