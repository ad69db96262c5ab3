package reconcile

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Summary formats accepted by Render.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Summary is the serializable view of a Result.
type Summary struct {
	Job                     string         `json:"job" yaml:"job"`
	DryRun                  bool           `json:"dry_run" yaml:"dry_run"`
	Cancelled               bool           `json:"cancelled" yaml:"cancelled"`
	DurationMs              int64          `json:"duration_ms" yaml:"duration_ms"`
	Fetched                 int            `json:"fetched" yaml:"fetched"`
	Considered              int            `json:"considered" yaml:"considered"`
	Created                 int            `json:"created" yaml:"created"`
	Conflict                int            `json:"conflict" yaml:"conflict"`
	SkippedExisting         int            `json:"skipped_existing" yaml:"skipped_existing"`
	SkippedInvalidReference int            `json:"skipped_invalid_reference" yaml:"skipped_invalid_reference"`
	SkippedDerivation       int            `json:"skipped_derivation" yaml:"skipped_derivation"`
	Errored                 int            `json:"errored" yaml:"errored"`
	Remaining               int            `json:"remaining" yaml:"remaining"`
	SkipReasons             map[string]int `json:"skip_reasons,omitempty" yaml:"skip_reasons,omitempty"`
	Rejected                []Entry        `json:"rejected,omitempty" yaml:"rejected,omitempty"`
}

// Summarize builds the serializable view of r.
func (r *Result) Summarize() Summary {
	s := Summary{
		Job:                     r.Job,
		DryRun:                  r.DryRun,
		Cancelled:               r.Cancelled,
		DurationMs:              r.Duration().Milliseconds(),
		Fetched:                 r.Fetched,
		Considered:              r.Considered,
		Created:                 r.Created,
		Conflict:                r.Conflict,
		SkippedExisting:         r.SkippedExisting,
		SkippedInvalidReference: r.SkippedInvalidReference,
		SkippedDerivation:       r.SkippedDerivation,
		Errored:                 r.Errored,
		Remaining:               r.Remaining(),
		Rejected:                r.Rejected(),
	}
	for _, e := range r.Entries {
		if !e.Outcome.Skipped() || e.Reason == "" {
			continue
		}
		if s.SkipReasons == nil {
			s.SkipReasons = make(map[string]int)
		}
		s.SkipReasons[e.Reason]++
	}
	return s
}

// Render writes the summary of r to w in the given format.
func Render(w io.Writer, r *Result, format string) error {
	s := r.Summarize()
	switch format {
	case "", FormatText:
		return renderText(w, s)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(s), "reconcile: encode json summary")
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return eris.Wrap(err, "reconcile: encode yaml summary")
		}
		return eris.Wrap(enc.Close(), "reconcile: encode yaml summary")
	default:
		return eris.Errorf("reconcile: unknown summary format %q", format)
	}
}

func renderText(out io.Writer, s Summary) error {
	header := s.Job
	if s.DryRun {
		header += " (dry run)"
	}
	if s.Cancelled {
		header += " (cancelled)"
	}
	if _, err := fmt.Fprintln(out, header); err != nil {
		return eris.Wrap(err, "reconcile: write summary")
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Considered:\t%d\n", s.Considered)
	_, _ = fmt.Fprintf(w, "Created:\t%d\n", s.Created)
	_, _ = fmt.Fprintf(w, "Conflict:\t%d\n", s.Conflict)
	_, _ = fmt.Fprintf(w, "Skipped existing:\t%d\n", s.SkippedExisting)
	_, _ = fmt.Fprintf(w, "Skipped invalid reference:\t%d\n", s.SkippedInvalidReference)
	_, _ = fmt.Fprintf(w, "Skipped derivation:\t%d\n", s.SkippedDerivation)
	_, _ = fmt.Fprintf(w, "Errored:\t%d\n", s.Errored)
	if s.Remaining > 0 {
		_, _ = fmt.Fprintf(w, "Remaining:\t%d\n", s.Remaining)
	}
	if err := w.Flush(); err != nil {
		return eris.Wrap(err, "reconcile: write summary")
	}

	if len(s.SkipReasons) > 0 {
		reasons := make([]string, 0, len(s.SkipReasons))
		for r := range s.SkipReasons {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		_, _ = fmt.Fprintln(out, "\nSkip reasons:")
		for _, r := range reasons {
			_, _ = fmt.Fprintf(out, "  %s: %d\n", r, s.SkipReasons[r])
		}
	}

	if len(s.Rejected) > 0 {
		_, _ = fmt.Fprintln(out, "\nRejected:")
		for _, e := range s.Rejected {
			_, _ = fmt.Fprintf(out, "  #%d %s: %s\n", e.Index, e.Key, e.Detail)
		}
	}
	return nil
}
