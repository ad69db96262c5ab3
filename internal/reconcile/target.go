package reconcile

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fieldops/reconcile-cli/internal/db"
)

// TenantsTable and TenantColumn name the tenant registry every target is
// validated against.
const (
	TenantsTable = "tenants"
	TenantColumn = "tenant_id"
)

// Field is one column/value pair.
type Field struct {
	Column string
	Value  any
}

// Key is the natural key of a target row, tenant column first.
type Key []Field

// String renders the key for logs and summaries, e.g.
// "tenant_id=t1 job_id=j1 user_id=u1".
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, f := range k {
		parts[i] = fmt.Sprintf("%s=%v", f.Column, f.Value)
	}
	return strings.Join(parts, " ")
}

// Predicates turns the key into exact-match lookups.
func (k Key) Predicates() []db.Predicate {
	preds := make([]db.Predicate, len(k))
	for i, f := range k {
		preds[i] = db.Eq(f.Column, f.Value)
	}
	return preds
}

// Reference is a foreign key that must resolve before a target is written.
type Reference struct {
	Table  string
	Column string
	Value  any
}

func (r Reference) String() string {
	return fmt.Sprintf("%s.%s=%v", r.Table, r.Column, r.Value)
}

// Target is the row that should exist in a dependent table.
type Target struct {
	Table      string
	Tenant     string
	Key        Key
	Payload    []Field
	Stamp      []string // audit timestamp columns, filled at write time
	References []Reference
}

// NewTarget starts a target for table owned by tenantID. The tenant column
// leads the natural key and the tenant registry is the first reference.
func NewTarget(table, tenantID string) Target {
	return Target{
		Table:      table,
		Tenant:     tenantID,
		Key:        Key{{Column: TenantColumn, Value: tenantID}},
		References: []Reference{{Table: TenantsTable, Column: "id", Value: tenantID}},
	}
}

// WithKey appends a natural-key column.
func (t Target) WithKey(column string, value any) Target {
	t.Key = append(slices.Clip(t.Key), Field{Column: column, Value: value})
	return t
}

// With appends a payload column.
func (t Target) With(column string, value any) Target {
	t.Payload = append(slices.Clip(t.Payload), Field{Column: column, Value: value})
	return t
}

// Stamped marks columns that receive the write timestamp.
func (t Target) Stamped(columns ...string) Target {
	t.Stamp = append(slices.Clip(t.Stamp), columns...)
	return t
}

// Requires adds a foreign key that must exist before writing.
func (t Target) Requires(table, column string, value any) Target {
	t.References = append(slices.Clip(t.References), Reference{Table: table, Column: column, Value: value})
	return t
}

// Row returns the insert columns and values: key, payload, then stamps set to now.
func (t Target) Row(now time.Time) ([]string, []any) {
	n := len(t.Key) + len(t.Payload) + len(t.Stamp)
	cols := make([]string, 0, n)
	vals := make([]any, 0, n)
	for _, f := range t.Key {
		cols = append(cols, f.Column)
		vals = append(vals, f.Value)
	}
	for _, f := range t.Payload {
		cols = append(cols, f.Column)
		vals = append(vals, f.Value)
	}
	for _, c := range t.Stamp {
		cols = append(cols, c)
		vals = append(vals, now)
	}
	return cols, vals
}

// Skip explains why a source record produced no target.
type Skip struct {
	Reason string
	Detail string
}

// Derivation is the result of mapping a source record: exactly one of
// Target or Skip is meaningful.
type Derivation struct {
	Target Target
	Skip   *Skip
}

// Derive wraps a target.
func Derive(t Target) Derivation {
	return Derivation{Target: t}
}

// SkipWith builds a skip derivation with a formatted detail.
func SkipWith(reason, format string, args ...any) Derivation {
	return Derivation{Skip: &Skip{Reason: reason, Detail: fmt.Sprintf(format, args...)}}
}

// Skip reasons produced by the engine itself; derivations define their own.
const (
	ReasonInvalidReference = "invalid_reference"
	ReasonAlreadyExists    = "already_exists"
	ReasonMissingTenant    = "missing_tenant"
)
