// Package gateway implements the row-level store interface the reconciler
// depends on, over Postgres (pgx), a local SQLite rehearsal database, or a
// PostgREST-style HTTP gateway.
package gateway

import (
	"context"
	"sort"

	"github.com/fieldops/reconcile-cli/internal/db"
)

// Gateway is a tenant-agnostic row store. Tenant scoping is expressed as an
// ordinary predicate on the tenant column.
type Gateway interface {
	// Select returns rows matching q. Results are fully materialized.
	Select(ctx context.Context, q db.Query) ([]Row, error)
	// Exists is a point lookup: true when at least one row matches.
	Exists(ctx context.Context, table string, where []db.Predicate) (bool, error)
	// Insert writes a single row. A uniqueness violation is returned
	// wrapping reconcile.ErrConflict; any other failure is returned as-is.
	Insert(ctx context.Context, table string, row Row) error
	Close() error
}

// columns returns the row's keys in a stable order.
func (r Row) columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func (r Row) values(cols []string) []any {
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = r[c]
	}
	return vals
}
