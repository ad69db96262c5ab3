// Package backfill holds the concrete reconciliation jobs: each pairs a
// source query against the authoritative tables with a derivation that
// names the dependent row it implies.
package backfill

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/fieldops/reconcile-cli/internal/gateway"
	"github.com/fieldops/reconcile-cli/internal/reconcile"
)

// Skip reasons shared across jobs.
const (
	ReasonInvalidUUID         = "invalid_uuid"
	ReasonMissingItem         = "missing_item"
	ReasonMissingItemID       = "missing_item_id"
	ReasonNonIntegralQuantity = "non_integral_quantity"
	ReasonNonPositiveQuantity = "non_positive_quantity"
	ReasonMalformedChecklist  = "malformed_checklist"
	ReasonMissingKey          = "missing_key"
	ReasonMalformedFixture    = "malformed_fixture"
)

// Env carries what every job needs to run.
type Env struct {
	Gateway gateway.Gateway
	Options reconcile.Options
}

// Job is a named, runnable reconciliation.
type Job struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env Env, f reconcile.Filter) (*reconcile.Result, error)
}

var registry = map[string]Job{}

func register(j Job) {
	if _, dup := registry[j.Name]; dup {
		panic("backfill: duplicate job " + j.Name)
	}
	registry[j.Name] = j
}

// Jobs returns every registered job sorted by name.
func Jobs() []Job {
	out := make([]Job, 0, len(registry))
	for _, j := range registry {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Lookup finds a job by name.
func Lookup(name string) (Job, bool) {
	j, ok := registry[name]
	return j, ok
}

// reconcileWith runs one job through the engine against env's gateway.
func reconcileWith[S any](ctx context.Context, env Env, name string, src reconcile.Source[S], derive reconcile.DeriveFunc[S], f reconcile.Filter) (*reconcile.Result, error) {
	opts := env.Options
	opts.Name = name
	r := reconcile.New(src, derive, gateway.NewTargetStore(env.Gateway), opts)
	return r.Reconcile(ctx, f)
}

// canonicalUUID parses s and returns its lowercase hyphenated form.
func canonicalUUID(s string) (string, bool) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// cleanText trims and NFC-normalizes free text copied from user input.
func cleanText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// cleanToken normalizes an enum-like value such as an item type. A Caser
// is stateful, so each call gets its own.
func cleanToken(s string) string {
	return cases.Lower(language.Und).String(cleanText(s))
}
