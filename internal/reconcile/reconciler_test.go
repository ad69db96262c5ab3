package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fieldops/reconcile-cli/internal/resilience"
)

// memStore is an in-memory dependent store with a real uniqueness check in
// Insert, so races resolve exactly like a constrained table.
type memStore struct {
	mu   sync.Mutex
	refs map[string]bool
	rows map[string]Target

	inserts int

	// blindExists makes Exists report absent until an insert of the key has
	// lost a race, so racing writers reach Insert.
	blindExists bool
	lost        map[string]bool
	// hangExists blocks Exists until its context ends.
	hangExists bool
	// hangInsert blocks Insert until its context ends.
	hangInsert bool
	existsErr  error
	insertErr  func(t Target) error
	onInsert   func(n int)
}

func newMemStore(refs ...string) *memStore {
	s := &memStore{refs: make(map[string]bool), rows: make(map[string]Target), lost: make(map[string]bool)}
	for _, r := range refs {
		s.refs[r] = true
	}
	return s
}

func (s *memStore) ReferenceExists(_ context.Context, ref Reference) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[ref.String()], nil
}

func (s *memStore) Exists(ctx context.Context, t Target) (bool, error) {
	if s.hangExists {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if s.existsErr != nil {
		return false, s.existsErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := plannedKey(t)
	if s.blindExists && !s.lost[k] {
		return false, nil
	}
	_, ok := s.rows[k]
	return ok, nil
}

func (s *memStore) Insert(ctx context.Context, t Target, _ time.Time) error {
	if s.hangInsert {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.insertErr != nil {
		if err := s.insertErr(t); err != nil {
			return err
		}
	}
	s.mu.Lock()
	k := plannedKey(t)
	if _, ok := s.rows[k]; ok {
		s.lost[k] = true
		s.mu.Unlock()
		return eris.Wrapf(ErrConflict, "mem: insert %s", k)
	}
	s.rows[k] = t
	s.inserts++
	n := s.inserts
	s.mu.Unlock()

	if s.onInsert != nil {
		s.onInsert(n)
	}
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type assignment struct {
	Tenant string
	Job    string
	User   string
	Qty    int
}

func deriveAssignment(a assignment) Derivation {
	if a.User == "" {
		return SkipWith("missing_user", "job %s has no assignee", a.Job)
	}
	return Derive(NewTarget("job_assignments", a.Tenant).
		WithKey("job_id", a.Job).
		WithKey("user_id", a.User).
		With("quantity", a.Qty).
		Stamped("created_at"))
}

func staticSource(rows []assignment) SourceFunc[assignment] {
	return func(_ context.Context, f Filter) ([]assignment, error) {
		var out []assignment
		for _, r := range rows {
			if f.TenantID != "" && r.Tenant != f.TenantID {
				continue
			}
			out = append(out, r)
		}
		return out, nil
	}
}

func testOptions() Options {
	return Options{
		Name:   "test",
		Logger: zap.NewNop(),
		Retry:  resilience.RetryConfig{MaxAttempts: 1},
		Now:    func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func assignments(tenant string, n, offset int) []assignment {
	out := make([]assignment, n)
	for i := range out {
		out[i] = assignment{Tenant: tenant, Job: fmt.Sprintf("job-%02d", i+offset), User: "u1", Qty: 1}
	}
	return out
}

func TestReconcile_InvalidTenantsSkippedAndRerunConverges(t *testing.T) {
	rows := append(assignments("t-live", 15, 0), assignments("t-gone", 2, 15)...)
	store := newMemStore("tenants.id=t-live")
	r := New(staticSource(rows), deriveAssignment, store, testOptions())

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 17, res.Considered)
	assert.Equal(t, 15, res.Created)
	assert.Equal(t, 2, res.SkippedInvalidReference)
	assert.Equal(t, 0, res.Errored)
	assert.Equal(t, 15, store.count())

	res, err = r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 15, res.SkippedExisting)
	assert.Equal(t, 2, res.SkippedInvalidReference)
	assert.Equal(t, 17, res.Skipped())
	assert.Equal(t, 15, store.count())
	assert.True(t, res.Converged())
}

func TestReconcile_InvalidReferenceDetailNamesMissingRow(t *testing.T) {
	rows := []assignment{{Tenant: "t-gone", Job: "j1", User: "u1"}}
	r := New(staticSource(rows), deriveAssignment, newMemStore(), testOptions())

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, OutcomeSkippedInvalidReference, res.Entries[0].Outcome)
	assert.Equal(t, ReasonInvalidReference, res.Entries[0].Reason)
	assert.Equal(t, "missing tenants.id=t-gone", res.Entries[0].Detail)
}

func TestReconcile_CollapsedGroupWritesSummedQuantity(t *testing.T) {
	rows := []assignment{
		{Tenant: "t1", Job: "j1", User: "u1", Qty: 2},
		{Tenant: "t1", Job: "j1", User: "u1", Qty: 3},
		{Tenant: "t1", Job: "j1", User: "u1", Qty: 5},
		{Tenant: "t1", Job: "j1", User: "u1", Qty: 7},
	}
	grouped := SourceFunc[assignment](func(ctx context.Context, f Filter) ([]assignment, error) {
		var out []assignment
		for _, g := range GroupBy(rows, func(a assignment) string { return a.Tenant + a.Job + a.User }) {
			sum := g.Members[0]
			sum.Qty = 0
			for _, m := range g.Members {
				sum.Qty += m.Qty
			}
			out = append(out, sum)
		}
		return out, nil
	})
	store := newMemStore("tenants.id=t1")
	r := New(grouped, deriveAssignment, store, testOptions())

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	require.Equal(t, 1, store.count())
	for _, row := range store.rows {
		require.Len(t, row.Payload, 1)
		assert.Equal(t, 17, row.Payload[0].Value)
	}
}

func TestReconcile_DryRunReportsWithoutWriting(t *testing.T) {
	store := newMemStore("tenants.id=t1")
	opts := testOptions()
	opts.DryRun = true
	r := New(staticSource(assignments("t1", 10, 0)), deriveAssignment, store, opts)

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 10, res.Created)
	assert.Equal(t, 0, store.count())
	assert.Equal(t, 0, store.inserts)
}

func TestReconcile_DryRunDuplicateKeyReportsExisting(t *testing.T) {
	rows := []assignment{
		{Tenant: "t1", Job: "j1", User: "u1"},
		{Tenant: "t1", Job: "j1", User: "u1"},
	}
	opts := testOptions()
	opts.DryRun = true
	r := New(staticSource(rows), deriveAssignment, newMemStore("tenants.id=t1"), opts)

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.SkippedExisting)
}

func TestReconcile_RejectedWriteDoesNotBlockSiblings(t *testing.T) {
	store := newMemStore("tenants.id=t1")
	store.insertErr = func(t Target) error {
		if t.Key.String() == "tenant_id=t1 job_id=job-02 user_id=u1" {
			return errors.New("null value in column \"status\"")
		}
		return nil
	}
	r := New(staticSource(assignments("t1", 5, 0)), deriveAssignment, store, testOptions())

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Created)
	assert.Equal(t, 1, res.Errored)
	assert.False(t, res.Converged())

	rejected := res.Rejected()
	require.Len(t, rejected, 1)
	assert.Equal(t, 2, rejected[0].Index)
	assert.Equal(t, "tenant_id=t1 job_id=job-02 user_id=u1", rejected[0].Key)
	assert.Contains(t, rejected[0].Detail, "null value")
	assert.Equal(t, OutcomeCreated, res.Entries[3].Outcome)
}

func TestReconcile_ExistsErrorRejectsCandidate(t *testing.T) {
	store := newMemStore("tenants.id=t1")
	store.existsErr = errors.New("connection refused")
	r := New(staticSource(assignments("t1", 2, 0)), deriveAssignment, store, testOptions())

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errored)
	assert.Equal(t, 0, store.count())
}

func TestReconcile_DerivationSkip(t *testing.T) {
	rows := []assignment{
		{Tenant: "t1", Job: "j1", User: ""},
		{Tenant: "t1", Job: "j2", User: "u2"},
	}
	r := New(staticSource(rows), deriveAssignment, newMemStore("tenants.id=t1"), testOptions())

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedDerivation)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, "missing_user", res.Entries[0].Reason)
	assert.Equal(t, "job j1 has no assignee", res.Entries[0].Detail)
}

func TestReconcile_MissingTenantSkips(t *testing.T) {
	rows := []assignment{{Tenant: "", Job: "j1", User: "u1"}}
	r := New(staticSource(rows), deriveAssignment, newMemStore(), testOptions())

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedDerivation)
	assert.Equal(t, ReasonMissingTenant, res.Entries[0].Reason)
}

func TestReconcile_SourceUnavailable(t *testing.T) {
	store := newMemStore("tenants.id=t1")
	src := SourceFunc[assignment](func(context.Context, Filter) ([]assignment, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	r := New(src, deriveAssignment, store, testOptions())

	res, err := r.Reconcile(context.Background(), Filter{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsSourceUnavailable(err))
	assert.Contains(t, err.Error(), "source unavailable")
	assert.Equal(t, 0, store.inserts)
}

func TestReconcile_TransientFetchRetried(t *testing.T) {
	var calls int
	src := SourceFunc[assignment](func(context.Context, Filter) ([]assignment, error) {
		calls++
		if calls == 1 {
			return nil, resilience.NewTransientError(errors.New("503 from gateway"), 503)
		}
		return assignments("t1", 3, 0), nil
	})
	opts := testOptions()
	opts.Retry = resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	r := New(src, deriveAssignment, newMemStore("tenants.id=t1"), opts)

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 3, res.Created)
}

func TestReconcile_LimitBoundsCandidates(t *testing.T) {
	var seen Filter
	rows := assignments("t1", 5, 0)
	src := SourceFunc[assignment](func(_ context.Context, f Filter) ([]assignment, error) {
		seen = f
		return rows, nil
	})
	opts := testOptions()
	opts.Limit = 2
	r := New(src, deriveAssignment, newMemStore("tenants.id=t1"), opts)

	res, err := r.Reconcile(context.Background(), Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, Filter{TenantID: "t1", Limit: 2}, seen)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Created)
}

func TestReconcile_TenantFilter(t *testing.T) {
	rows := append(assignments("t1", 3, 0), assignments("t2", 4, 3)...)
	r := New(staticSource(rows), deriveAssignment, newMemStore("tenants.id=t1", "tenants.id=t2"), testOptions())

	res, err := r.Reconcile(context.Background(), Filter{TenantID: "t2"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Created)
	for _, e := range res.Entries {
		assert.Equal(t, "t2", e.Tenant)
	}
}

func TestReconcile_ConcurrentRunsNeverDuplicate(t *testing.T) {
	rows := assignments("t1", 25, 0)
	store := newMemStore("tenants.id=t1")
	store.blindExists = true

	results := make([]*Result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := New(staticSource(rows), deriveAssignment, store, testOptions())
			res, err := r.Reconcile(context.Background(), Filter{})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, 25, results[0].Created+results[1].Created)
	assert.Equal(t, 25, results[0].Conflict+results[1].Conflict)
	assert.Equal(t, 0, results[0].Errored+results[1].Errored)
	assert.Equal(t, 25, store.count())
}

func TestReconcile_ParallelModeKeepsIndexOrder(t *testing.T) {
	rows := assignments("t1", 10, 0)
	rows = append(rows, rows[:5]...)
	store := newMemStore("tenants.id=t1")
	store.blindExists = true
	opts := testOptions()
	opts.Concurrency = 4
	r := New(staticSource(rows), deriveAssignment, store, opts)

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 15, res.Considered)
	assert.Equal(t, 10, res.Created)
	assert.Equal(t, 5, res.Conflict)
	assert.Equal(t, 10, store.count())
	for i, e := range res.Entries {
		assert.Equal(t, i, e.Index)
	}
}

func TestReconcile_CancellationLeavesRemainder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemStore("tenants.id=t1")
	store.onInsert = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	r := New(staticSource(assignments("t1", 10, 0)), deriveAssignment, store, testOptions())

	res, err := r.Reconcile(ctx, Filter{})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 3, res.Considered)
	assert.Equal(t, 7, res.Remaining())
	assert.Equal(t, 3, store.count())

	// Resuming converges the rest.
	res, err = r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Created)
	assert.Equal(t, 3, res.SkippedExisting)
}

func TestExists_TimeoutIsTyped(t *testing.T) {
	store := newMemStore("tenants.id=t1")
	store.hangExists = true
	opts := testOptions()
	opts.Timeouts.Probe = 10 * time.Millisecond
	r := New(staticSource(nil), deriveAssignment, store, opts)

	target := deriveAssignment(assignment{Tenant: "t1", Job: "j1", User: "u1"}).Target
	_, err := r.Exists(context.Background(), target)
	require.Error(t, err)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "exists", te.Op)
	assert.Equal(t, 10*time.Millisecond, te.Limit)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReconcile_ExistsTimeoutRejectsCandidate(t *testing.T) {
	store := newMemStore("tenants.id=t1")
	store.hangExists = true
	opts := testOptions()
	opts.Timeouts.Probe = 5 * time.Millisecond
	r := New(staticSource(assignments("t1", 2, 0)), deriveAssignment, store, opts)

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errored)
	assert.Contains(t, res.Entries[0].Detail, "exists timed out")
}

func TestWrite_ClassifiesOutcomes(t *testing.T) {
	target := deriveAssignment(assignment{Tenant: "t1", Job: "j1", User: "u1"}).Target

	tests := []struct {
		name      string
		err       error
		present   bool
		existsErr error
		want      Outcome
		wantErr   string
	}{
		{name: "created", err: nil, want: OutcomeCreated},
		{name: "lost race", err: eris.Wrap(ErrConflict, "gateway: insert"), present: true, want: OutcomeConflict},
		{
			name:    "collision on another column",
			err:     eris.Wrap(ErrConflict, "gateway: insert job_assignments: constraint job_assignments_pkey"),
			want:    OutcomeRejected,
			wantErr: "job_assignments_pkey",
		},
		{
			name:      "key check fails after violation",
			err:       eris.Wrap(ErrConflict, "gateway: insert"),
			existsErr: errors.New("connection reset"),
			want:      OutcomeRejected,
			wantErr:   "connection reset",
		},
		{name: "other failure", err: errors.New("check constraint"), want: OutcomeRejected, wantErr: "check constraint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.insertErr = func(Target) error { return tt.err }
			store.existsErr = tt.existsErr
			if tt.present {
				store.rows[plannedKey(target)] = target
			}
			r := New(staticSource(nil), deriveAssignment, store, testOptions())

			got, err := r.Write(context.Background(), target)
			assert.Equal(t, tt.want, got)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReconcile_CollisionOffNaturalKeyIsNotConverged(t *testing.T) {
	store := newMemStore("tenants.id=t1")
	store.insertErr = func(t Target) error {
		if t.Key.String() == "tenant_id=t1 job_id=job-01 user_id=u1" {
			return eris.Wrap(ErrConflict, "mem: insert job_assignments: UNIQUE constraint failed: job_assignments.id")
		}
		return nil
	}
	r := New(staticSource(assignments("t1", 3, 0)), deriveAssignment, store, testOptions())

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 0, res.Conflict)
	assert.Equal(t, 1, res.Errored)
	assert.False(t, res.Converged())
	assert.Contains(t, res.Entries[1].Detail, "absent after uniqueness violation")
	assert.Contains(t, res.Entries[1].Detail, "job_assignments.id")
}

func TestReconcile_FetchTimeoutIsSourceUnavailable(t *testing.T) {
	store := newMemStore("tenants.id=t1")
	src := SourceFunc[assignment](func(ctx context.Context, _ Filter) ([]assignment, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	opts := testOptions()
	opts.Timeouts.Fetch = 10 * time.Millisecond
	r := New(src, deriveAssignment, store, opts)

	res, err := r.Reconcile(context.Background(), Filter{})
	require.Error(t, err)
	assert.Nil(t, res)

	var su *SourceUnavailableError
	require.ErrorAs(t, err, &su)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "fetch", te.Op)
	assert.Equal(t, 10*time.Millisecond, te.Limit)
	assert.Equal(t, 0, store.inserts)
}

func TestReconcile_WriteTimeoutRejectsCandidate(t *testing.T) {
	store := newMemStore("tenants.id=t1")
	store.hangInsert = true
	opts := testOptions()
	opts.Timeouts.Write = 5 * time.Millisecond
	r := New(staticSource(assignments("t1", 2, 0)), deriveAssignment, store, opts)

	res, err := r.Reconcile(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errored)
	assert.Equal(t, 0, res.Created)
	for _, e := range res.Entries {
		assert.Equal(t, OutcomeRejected, e.Outcome)
		assert.Contains(t, e.Detail, "write timed out")
	}
}

func TestWrite_LimiterRespectsDeadline(t *testing.T) {
	opts := testOptions()
	opts.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	r := New(staticSource(nil), deriveAssignment, newMemStore(), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	first := deriveAssignment(assignment{Tenant: "t1", Job: "j1", User: "u1"}).Target
	second := deriveAssignment(assignment{Tenant: "t1", Job: "j2", User: "u1"}).Target

	got, err := r.Write(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, got)

	got, err = r.Write(ctx, second)
	assert.Error(t, err)
	assert.Equal(t, OutcomeRejected, got)
}

func TestValidateReference_ChecksEveryReference(t *testing.T) {
	r := New(staticSource(nil), deriveAssignment, newMemStore("tenants.id=t1"), testOptions())
	target := deriveAssignment(assignment{Tenant: "t1", Job: "j1", User: "u1"}).Target.
		Requires("jobs", "id", "j1")

	ok, missing, err := r.ValidateReference(context.Background(), target)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "jobs.id=j1", missing.String())
}
