package reconcile

import (
	"time"

	"github.com/rotisserie/eris"
)

// Outcome is the terminal state of one candidate.
type Outcome int

const (
	// OutcomeCreated: the row was inserted (or would be, in a dry run).
	OutcomeCreated Outcome = iota
	// OutcomeConflict: another writer inserted the key between probe and write.
	OutcomeConflict
	// OutcomeRejected: the write failed for any other reason.
	OutcomeRejected
	// OutcomeSkippedDerivation: the source record cannot produce a target.
	OutcomeSkippedDerivation
	// OutcomeSkippedInvalidReference: the tenant or another foreign key is missing.
	OutcomeSkippedInvalidReference
	// OutcomeSkippedExisting: the natural key is already present.
	OutcomeSkippedExisting
)

var outcomeNames = map[Outcome]string{
	OutcomeCreated:                 "created",
	OutcomeConflict:                "conflict",
	OutcomeRejected:                "rejected",
	OutcomeSkippedDerivation:       "skipped_derivation",
	OutcomeSkippedInvalidReference: "skipped_invalid_reference",
	OutcomeSkippedExisting:         "skipped_existing",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the outcome name in json and yaml summaries.
func (o Outcome) MarshalText() ([]byte, error) {
	name, ok := outcomeNames[o]
	if !ok {
		return nil, eris.Errorf("reconcile: unknown outcome %d", int(o))
	}
	return []byte(name), nil
}

// Skipped reports whether the outcome is one of the skip states.
func (o Outcome) Skipped() bool {
	return o == OutcomeSkippedDerivation || o == OutcomeSkippedInvalidReference || o == OutcomeSkippedExisting
}

// Entry records what happened to one candidate.
type Entry struct {
	Index   int     `json:"index" yaml:"index"`
	Key     string  `json:"key,omitempty" yaml:"key,omitempty"`
	Tenant  string  `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	Outcome Outcome `json:"outcome" yaml:"outcome"`
	Reason  string  `json:"reason,omitempty" yaml:"reason,omitempty"`
	Detail  string  `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Result summarizes one reconcile run. It is never persisted.
type Result struct {
	Job        string
	DryRun     bool
	Cancelled  bool
	StartedAt  time.Time
	FinishedAt time.Time

	Fetched                 int
	Considered              int
	Created                 int
	Conflict                int
	SkippedExisting         int
	SkippedInvalidReference int
	SkippedDerivation       int
	Errored                 int

	Entries []Entry
}

func (r *Result) record(e Entry) {
	r.Considered++
	switch e.Outcome {
	case OutcomeCreated:
		r.Created++
	case OutcomeConflict:
		r.Conflict++
	case OutcomeRejected:
		r.Errored++
	case OutcomeSkippedDerivation:
		r.SkippedDerivation++
	case OutcomeSkippedInvalidReference:
		r.SkippedInvalidReference++
	case OutcomeSkippedExisting:
		r.SkippedExisting++
	}
	r.Entries = append(r.Entries, e)
}

// Skipped is the total of all skip outcomes.
func (r *Result) Skipped() int {
	return r.SkippedExisting + r.SkippedInvalidReference + r.SkippedDerivation
}

// Remaining is the number of fetched candidates not processed, non-zero
// only when the run was cancelled.
func (r *Result) Remaining() int {
	return r.Fetched - r.Considered
}

// Rejected returns the entries that need operator follow-up.
func (r *Result) Rejected() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Outcome == OutcomeRejected {
			out = append(out, e)
		}
	}
	return out
}

// Converged reports whether every fetched candidate reached a non-error state.
func (r *Result) Converged() bool {
	return !r.Cancelled && r.Errored == 0
}

// Duration is the wall time of the run.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
