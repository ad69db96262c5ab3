package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/fieldops/reconcile-cli/internal/db"
	"github.com/fieldops/reconcile-cli/internal/reconcile"
)

// TargetStore adapts a Gateway to reconcile.Store.
type TargetStore struct {
	gw Gateway

	// resolved caches references known to exist. Only positive answers are
	// cached; a missing reference is re-checked every time.
	resolved sync.Map
}

// NewTargetStore wraps gw.
func NewTargetStore(gw Gateway) *TargetStore {
	return &TargetStore{gw: gw}
}

// ReferenceExists looks up ref's owning row by its key column.
func (s *TargetStore) ReferenceExists(ctx context.Context, ref reconcile.Reference) (bool, error) {
	key := ref.String()
	if _, ok := s.resolved.Load(key); ok {
		return true, nil
	}
	ok, err := s.gw.Exists(ctx, ref.Table, []db.Predicate{db.Eq(ref.Column, ref.Value)})
	if err != nil {
		return false, err
	}
	if ok {
		s.resolved.Store(key, struct{}{})
	}
	return ok, nil
}

// Exists probes t's table by its natural key.
func (s *TargetStore) Exists(ctx context.Context, t reconcile.Target) (bool, error) {
	return s.gw.Exists(ctx, t.Table, t.Key.Predicates())
}

// Insert materializes t with now in its stamp columns and writes it.
func (s *TargetStore) Insert(ctx context.Context, t reconcile.Target, now time.Time) error {
	cols, vals := t.Row(now.UTC())
	row := make(Row, len(cols))
	for i, c := range cols {
		row[c] = vals[i]
	}
	return s.gw.Insert(ctx, t.Table, row)
}
