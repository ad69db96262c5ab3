package reconcile

import (
	"context"
	"sync"
	"time"
)

// DryRunStore reads through to the wrapped store and never writes. Inserts
// are remembered so a later candidate with the same natural key reports
// SkippedExisting, exactly as it would after a real run.
type DryRunStore struct {
	inner Store

	mu      sync.Mutex
	planned map[string]struct{}
	// columns indexes planned key values as "table|column=value".
	columns map[string]struct{}
}

// NewDryRunStore wraps inner.
func NewDryRunStore(inner Store) *DryRunStore {
	return &DryRunStore{
		inner:   inner,
		planned: make(map[string]struct{}),
		columns: make(map[string]struct{}),
	}
}

// ReferenceExists also accepts rows planned earlier in the run whose key
// carries the referenced column and value, so a dry run of dependent
// fixtures matches the real run.
func (s *DryRunStore) ReferenceExists(ctx context.Context, ref Reference) (bool, error) {
	s.mu.Lock()
	_, ok := s.columns[columnKey(ref.Table, Field{Column: ref.Column, Value: ref.Value})]
	s.mu.Unlock()
	if ok {
		return true, nil
	}
	return s.inner.ReferenceExists(ctx, ref)
}

// Exists reports true for keys already planned in this run, otherwise
// delegates.
func (s *DryRunStore) Exists(ctx context.Context, t Target) (bool, error) {
	s.mu.Lock()
	_, ok := s.planned[plannedKey(t)]
	s.mu.Unlock()
	if ok {
		return true, nil
	}
	return s.inner.Exists(ctx, t)
}

// Insert records the key without touching the wrapped store. A key planned
// twice (two workers racing) reports ErrConflict.
func (s *DryRunStore) Insert(ctx context.Context, t Target, _ time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := plannedKey(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.planned[k]; ok {
		return ErrConflict
	}
	s.planned[k] = struct{}{}
	for _, f := range t.Key {
		s.columns[columnKey(t.Table, f)] = struct{}{}
	}
	return nil
}

// Planned returns the number of writes that would have happened.
func (s *DryRunStore) Planned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.planned)
}

func plannedKey(t Target) string {
	return t.Table + "|" + t.Key.String()
}

func columnKey(table string, f Field) string {
	return table + "|" + Key{f}.String()
}
