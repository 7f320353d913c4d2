package pipeline

import "sync"

// Phase is the state of a run.
type Phase string

const (
	PhaseNotStarted     Phase = "not-started"
	PhaseSplitting      Phase = "splitting"
	PhaseCheckingDicts  Phase = "checking-dictionaries"
	PhaseSorting        Phase = "sorting"
	PhaseMerging        Phase = "merging"
	PhaseCheckingHashes Phase = "checking-hashes"
	PhaseSlicing        Phase = "slicing"
	PhaseGrouping       Phase = "grouping"
	PhaseDone           Phase = "done"
	PhaseFailed         Phase = "failed"
)

// phaseOrder is the position of each working phase in a run. Optional phases
// may be skipped, never revisited.
var phaseOrder = map[Phase]int{
	PhaseNotStarted:     0,
	PhaseSplitting:      1,
	PhaseCheckingDicts:  2,
	PhaseSorting:        3,
	PhaseMerging:        4,
	PhaseCheckingHashes: 5,
	PhaseSlicing:        6,
	PhaseGrouping:       7,
	PhaseDone:           8,
}

// IsTerminal reports whether the run has ended.
func IsTerminal(p Phase) bool {
	return p == PhaseDone || p == PhaseFailed
}

func isAllowedTransition(from, to Phase) bool {
	if IsTerminal(from) {
		return false
	}
	if _, ok := phaseOrder[from]; !ok {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	toIdx, ok := phaseOrder[to]
	if !ok {
		return false
	}
	return toIdx > phaseOrder[from]
}

// machine holds the current phase of one run.
type machine struct {
	mu    sync.Mutex
	phase Phase
}

func newMachine() *machine {
	return &machine{phase: PhaseNotStarted}
}

func (m *machine) current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Transition moves the run from one phase to another.
//
// The caller supplies the expected current phase so that a driver bug that
// skips a step is reported instead of silently tolerated.
func (m *machine) Transition(from, to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != from {
		return planf("invalid transition: expected phase %s, got %s", from, m.phase)
	}
	if !isAllowedTransition(from, to) {
		return planf("disallowed transition: %s -> %s", from, to)
	}
	m.phase = to
	return nil
}

// fail moves any non-terminal phase to failed.
func (m *machine) fail() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.phase
	if !IsTerminal(m.phase) {
		m.phase = PhaseFailed
	}
	return from
}

func (p Phase) String() string { return string(p) }
