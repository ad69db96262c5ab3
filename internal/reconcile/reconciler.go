// Package reconcile converges a dependent table toward an invariant implied
// by an authoritative table. Each candidate walks a fixed state machine:
//
//	Fetched -> Derived{Target|Skipped}
//	        -> Validated{ok|invalid}
//	        -> Probed{exists|absent}
//	        -> Written{created|conflict|rejected}
//
// Candidates are independent: one failure never blocks another, and every
// write is its own atomic unit, so a run can be stopped or repeated at any
// point without duplicating rows.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fieldops/reconcile-cli/internal/resilience"
)

// Filter scopes a fetch. An empty TenantID scans across tenants.
type Filter struct {
	TenantID string
	Limit    int
}

// Source reads candidate records from the authoritative store. The returned
// slice must be fully materialized and ordered by creation time.
type Source[S any] interface {
	Fetch(ctx context.Context, f Filter) ([]S, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[S any] func(ctx context.Context, f Filter) ([]S, error)

// Fetch calls fn.
func (fn SourceFunc[S]) Fetch(ctx context.Context, f Filter) ([]S, error) {
	return fn(ctx, f)
}

// DeriveFunc maps a source record to its target. It must be pure and total.
type DeriveFunc[S any] func(S) Derivation

// Store is the dependent side: reference checks, natural-key probes, and
// single-row inserts. Insert must wrap uniqueness violations with ErrConflict.
type Store interface {
	ReferenceExists(ctx context.Context, ref Reference) (bool, error)
	Exists(ctx context.Context, t Target) (bool, error)
	Insert(ctx context.Context, t Target, now time.Time) error
}

// Timeouts bound each store call. Zero values take the defaults.
type Timeouts struct {
	Fetch time.Duration
	Probe time.Duration
	Write time.Duration
}

// DefaultTimeouts returns the per-call bounds used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Fetch: 30 * time.Second,
		Probe: 5 * time.Second,
		Write: 10 * time.Second,
	}
}

// Options configures a Reconciler.
type Options struct {
	Name        string
	DryRun      bool
	Limit       int
	Concurrency int
	Timeouts    Timeouts

	// Limiter throttles writes; nil means unthrottled.
	Limiter *rate.Limiter
	// Retry applies to the fetch only.
	Retry resilience.RetryConfig

	Now    func() time.Time
	Logger *zap.Logger
}

// Reconciler runs one source/derive/store combination.
type Reconciler[S any] struct {
	source Source[S]
	derive DeriveFunc[S]
	store  Store
	opts   Options
	log    *zap.Logger
}

// New builds a Reconciler. In dry-run mode the store is wrapped so writes
// become no-ops that still report what would be created.
func New[S any](source Source[S], derive DeriveFunc[S], store Store, opts Options) *Reconciler[S] {
	def := DefaultTimeouts()
	if opts.Timeouts.Fetch <= 0 {
		opts.Timeouts.Fetch = def.Fetch
	}
	if opts.Timeouts.Probe <= 0 {
		opts.Timeouts.Probe = def.Probe
	}
	if opts.Timeouts.Write <= 0 {
		opts.Timeouts.Write = def.Write
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("reconcile", "fetch")
	}
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	if opts.DryRun {
		store = NewDryRunStore(store)
	}
	return &Reconciler[S]{
		source: source,
		derive: derive,
		store:  store,
		opts:   opts,
		log:    log.With(zap.String("job", opts.Name), zap.Bool("dry_run", opts.DryRun)),
	}
}

// FetchCandidates reads the in-scope source records. Transient failures are
// retried; anything left is returned as *SourceUnavailableError.
func (r *Reconciler[S]) FetchCandidates(ctx context.Context, f Filter) ([]S, error) {
	if f.Limit <= 0 {
		f.Limit = r.opts.Limit
	}

	rows, err := resilience.DoVal(ctx, r.opts.Retry, func(ctx context.Context) ([]S, error) {
		return bounded(ctx, "fetch", r.opts.Timeouts.Fetch, func(ctx context.Context) ([]S, error) {
			return r.source.Fetch(ctx, f)
		})
	})
	if err != nil {
		return nil, &SourceUnavailableError{Err: err}
	}

	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	return rows, nil
}

// ValidateReference checks every foreign key of t. It returns false and the
// first missing reference when one does not resolve; err is set only when
// the check itself failed.
func (r *Reconciler[S]) ValidateReference(ctx context.Context, t Target) (bool, Reference, error) {
	for _, ref := range t.References {
		ok, err := bounded(ctx, "reference check", r.opts.Timeouts.Probe, func(ctx context.Context) (bool, error) {
			return r.store.ReferenceExists(ctx, ref)
		})
		if err != nil {
			return false, ref, err
		}
		if !ok {
			return false, ref, nil
		}
	}
	return true, Reference{}, nil
}

// Exists probes the dependent table for t's natural key.
func (r *Reconciler[S]) Exists(ctx context.Context, t Target) (bool, error) {
	return bounded(ctx, "exists", r.opts.Timeouts.Probe, func(ctx context.Context) (bool, error) {
		return r.store.Exists(ctx, t)
	})
}

// Write inserts t and classifies the result. err is non-nil only for
// OutcomeRejected. A uniqueness violation counts as a conflict only when the
// natural key is visible afterwards; a collision on some other constraint,
// such as a primary key supplied in the payload, is a rejection.
func (r *Reconciler[S]) Write(ctx context.Context, t Target) (Outcome, error) {
	if r.opts.Limiter != nil {
		if err := r.opts.Limiter.Wait(ctx); err != nil {
			return OutcomeRejected, err
		}
	}

	_, err := bounded(ctx, "write", r.opts.Timeouts.Write, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.Insert(ctx, t, r.opts.Now())
	})
	switch {
	case err == nil:
		return OutcomeCreated, nil
	case errors.Is(err, ErrConflict):
		exists, perr := r.Exists(ctx, t)
		switch {
		case perr != nil:
			return OutcomeRejected, eris.Wrapf(perr, "confirm natural key after %v", err)
		case !exists:
			return OutcomeRejected, eris.Wrapf(err, "natural key %s absent after uniqueness violation", t.Key)
		}
		return OutcomeConflict, nil
	default:
		return OutcomeRejected, err
	}
}

// ReconcileOne drives a single candidate to a terminal state.
func (r *Reconciler[S]) ReconcileOne(ctx context.Context, index int, s S) Entry {
	entry := Entry{Index: index}

	d := r.derive(s)
	if d.Skip != nil {
		entry.Outcome = OutcomeSkippedDerivation
		entry.Reason = d.Skip.Reason
		entry.Detail = d.Skip.Detail
		r.logEntry(entry)
		return entry
	}

	t := d.Target
	entry.Key = t.Key.String()
	entry.Tenant = t.Tenant
	if t.Tenant == "" {
		entry.Outcome = OutcomeSkippedDerivation
		entry.Reason = ReasonMissingTenant
		entry.Detail = "target has no tenant"
		r.logEntry(entry)
		return entry
	}

	ok, missing, err := r.ValidateReference(ctx, t)
	switch {
	case err != nil:
		entry.Outcome = OutcomeRejected
		entry.Detail = err.Error()
		r.logEntry(entry)
		return entry
	case !ok:
		entry.Outcome = OutcomeSkippedInvalidReference
		entry.Reason = ReasonInvalidReference
		entry.Detail = "missing " + missing.String()
		r.logEntry(entry)
		return entry
	}

	exists, err := r.Exists(ctx, t)
	if err != nil {
		entry.Outcome = OutcomeRejected
		entry.Detail = err.Error()
		r.logEntry(entry)
		return entry
	}
	if exists {
		entry.Outcome = OutcomeSkippedExisting
		entry.Reason = ReasonAlreadyExists
		r.logEntry(entry)
		return entry
	}

	entry.Outcome, err = r.Write(ctx, t)
	if err != nil {
		entry.Detail = err.Error()
	}
	r.logEntry(entry)
	return entry
}

// Reconcile fetches candidates and converges each one. Only a fetch failure
// is returned as an error before any work; cancellation stops between
// candidates and returns the partial result with ctx.Err().
func (r *Reconciler[S]) Reconcile(ctx context.Context, f Filter) (*Result, error) {
	res := &Result{Job: r.opts.Name, DryRun: r.opts.DryRun, StartedAt: r.opts.Now()}

	candidates, err := r.FetchCandidates(ctx, f)
	if err != nil {
		return nil, err
	}
	res.Fetched = len(candidates)
	r.log.Info("reconcile started",
		zap.Int("candidates", len(candidates)),
		zap.Int("concurrency", r.opts.Concurrency),
		zap.String("tenant", f.TenantID),
	)

	entries := make([]Entry, len(candidates))
	done := make([]bool, len(candidates))

	// A candidate interrupted by cancellation stays unconverged rather than
	// being reported as rejected.
	run := func(i int, s S) {
		e := r.ReconcileOne(ctx, i, s)
		if ctx.Err() != nil && e.Outcome == OutcomeRejected {
			return
		}
		entries[i] = e
		done[i] = true
	}

	if r.opts.Concurrency == 1 {
		for i, s := range candidates {
			if ctx.Err() != nil {
				break
			}
			run(i, s)
			if (i+1)%100 == 0 {
				r.log.Info("reconcile progress", zap.Int("processed", i+1), zap.Int("total", len(candidates)))
			}
		}
	} else {
		var g errgroup.Group
		g.SetLimit(r.opts.Concurrency)
		for i, s := range candidates {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if ctx.Err() == nil {
					run(i, s)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	for i := range entries {
		if done[i] {
			res.record(entries[i])
		}
	}
	res.FinishedAt = r.opts.Now()
	res.Cancelled = ctx.Err() != nil

	r.log.Info("reconcile finished",
		zap.Int("considered", res.Considered),
		zap.Int("created", res.Created),
		zap.Int("conflict", res.Conflict),
		zap.Int("skipped", res.Skipped()),
		zap.Int("errored", res.Errored),
		zap.Bool("cancelled", res.Cancelled),
	)

	if res.Cancelled {
		return res, ctx.Err()
	}
	return res, nil
}

func (r *Reconciler[S]) logEntry(e Entry) {
	fields := []zap.Field{
		zap.Int("index", e.Index),
		zap.String("key", e.Key),
		zap.String("outcome", e.Outcome.String()),
	}
	switch e.Outcome {
	case OutcomeCreated:
		r.log.Info("target created", fields...)
	case OutcomeConflict:
		r.log.Info("target created concurrently", fields...)
	case OutcomeRejected:
		r.log.Warn("target rejected", append(fields, zap.String("detail", e.Detail))...)
	default:
		r.log.Debug("candidate skipped", append(fields, zap.String("reason", e.Reason), zap.String("detail", e.Detail))...)
	}
}

// bounded runs fn under a deadline and converts an expired deadline into
// *TimeoutError. Cancellation of the parent context passes through as-is.
func bounded[T any](ctx context.Context, op string, limit time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	val, err := fn(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return val, &TimeoutError{Op: op, Limit: limit, Err: err}
	}
	return val, err
}
