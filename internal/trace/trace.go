// Package trace records the decisions a pipeline run made, one event per job.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// RunTrace is the canonical record of which jobs a run executed, skipped as
// fresh, found blocked or saw fail.
//
// It holds logical decisions only: no timestamps, durations or error text, so
// two runs that decide the same things produce byte-identical traces whatever
// the worker interleaving was. PlanHash identifies the configuration the
// decisions were made under.
type RunTrace struct {
	PlanHash string
	Events   []Event
}

// EventKind discriminates Event. The string values are part of the canonical
// bytes; do not rename.
type EventKind string

const (
	EventJobExecuted EventKind = "JobExecuted"
	EventJobFresh    EventKind = "JobFresh"
	EventJobBlocked  EventKind = "JobBlocked"
	EventJobFailed   EventKind = "JobFailed"
	// EventJobAbandoned marks a job never dispatched because an earlier job
	// of its phase failed.
	EventJobAbandoned EventKind = "JobAbandoned"
)

// Event is a single decision about one job.
type Event struct {
	Kind EventKind

	// Phase is the pipeline phase the job belongs to, e.g. "merging".
	Phase string

	// JobID is the job's output path.
	JobID string

	// Reason is a stable reason code, e.g. "OutputMissing".
	Reason string

	// Missing lists the absent inputs of a blocked job.
	Missing []string
}

// Validate checks basic invariants.
func (t *RunTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.PlanHash == "" {
		return errors.New("planHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.JobID == "" {
			return fmt.Errorf("events[%d].jobId is required for kind %q", i, e.Kind)
		}
		for j, m := range e.Missing {
			if m == "" {
				return fmt.Errorf("events[%d].missing[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts the trace into its canonical order: by phase order,
// then job id, then kind, then reason. Missing lists are sorted and empty
// ones dropped.
func (t *RunTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Missing) == 0 {
			t.Events[i].Missing = nil
			continue
		}
		m := make([]string, len(t.Events[i].Missing))
		copy(m, t.Events[i].Missing)
		sort.Strings(m)
		t.Events[i].Missing = m
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if phaseOrder(a.Phase) != phaseOrder(b.Phase) {
			return phaseOrder(a.Phase) < phaseOrder(b.Phase)
		}
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		if a.JobID != b.JobID {
			return a.JobID < b.JobID
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		return a.Reason < b.Reason
	})
}

// phaseOrder follows the pipeline. Unknown phases sort last, by name.
func phaseOrder(p string) int {
	switch p {
	case "splitting":
		return 10
	case "checking-dictionaries":
		return 20
	case "sorting":
		return 30
	case "merging":
		return 40
	case "checking-hashes":
		return 50
	case "slicing":
		return 60
	case "grouping":
		return 70
	default:
		return 1000
	}
}

func kindOrder(k EventKind) int {
	switch k {
	case EventJobFresh:
		return 10
	case EventJobBlocked:
		return 20
	case EventJobExecuted:
		return 30
	case EventJobFailed:
		return 40
	case EventJobAbandoned:
		return 50
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical JSON encoding of the trace. The
// receiver is not modified.
func (t RunTrace) CanonicalJSON() ([]byte, error) {
	cp := RunTrace{PlanHash: t.PlanHash, Events: make([]Event, len(t.Events))}
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Hash returns the trace hash of the canonical JSON bytes.
func (t RunTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// Counts tallies events by kind.
func (t RunTrace) Counts() map[EventKind]int {
	counts := make(map[EventKind]int)
	for _, e := range t.Events {
		counts[e.Kind]++
	}
	return counts
}

// MarshalJSON fixes field order.
func (t RunTrace) MarshalJSON() ([]byte, error) {
	if t.PlanHash == "" {
		return nil, errors.New("planHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"planHash":`)
	ph, _ := json.Marshal(t.PlanHash)
	buf.Write(ph)

	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var missing []string
	if len(e.Missing) > 0 {
		missing = make([]string, len(e.Missing))
		copy(missing, e.Missing)
		sort.Strings(missing)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	writeString := func(name, v string) {
		if v == "" {
			return
		}
		buf.WriteString(`,"` + name + `":`)
		b, _ := json.Marshal(v)
		buf.Write(b)
	}
	writeString("phase", e.Phase)
	writeString("jobId", e.JobID)
	writeString("reason", e.Reason)

	if len(missing) > 0 {
		buf.WriteString(`,"missing":`)
		mb, _ := json.Marshal(missing)
		buf.Write(mb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
