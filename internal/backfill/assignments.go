package backfill

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldops/reconcile-cli/internal/db"
	"github.com/fieldops/reconcile-cli/internal/gateway"
	"github.com/fieldops/reconcile-cli/internal/reconcile"
)

// JobAssignmentsJob creates the job_assignments row implied by every job
// that names an assignee.
const JobAssignmentsJob = "job-assignments"

func init() {
	register(Job{
		Name:        JobAssignmentsJob,
		Description: "create job_assignments rows for jobs with assigned_to set",
		Run: func(ctx context.Context, env Env, f reconcile.Filter) (*reconcile.Result, error) {
			return reconcileWith(ctx, env, JobAssignmentsJob, AssignedJobs(env.Gateway), DeriveAssignment, f)
		},
	})
}

// AssignedJob is a jobs row with a non-null assignee.
type AssignedJob struct {
	JobID      string
	TenantID   string
	AssignedTo string
	CreatedAt  time.Time
}

// AssignedJobs reads assigned jobs, oldest first.
func AssignedJobs(gw gateway.Gateway) reconcile.SourceFunc[AssignedJob] {
	return func(ctx context.Context, f reconcile.Filter) ([]AssignedJob, error) {
		where := []db.Predicate{db.NotNull("assigned_to")}
		if f.TenantID != "" {
			where = append(where, db.Eq("tenant_id", f.TenantID))
		}
		rows, err := gw.Select(ctx, db.Query{
			Table:   "jobs",
			Columns: []string{"id", "tenant_id", "assigned_to", "created_at"},
			Where:   where,
			OrderBy: []db.Order{db.Asc("created_at"), db.Asc("id")},
			Limit:   f.Limit,
		})
		if err != nil {
			return nil, eris.Wrap(err, "backfill: fetch assigned jobs")
		}

		out := make([]AssignedJob, 0, len(rows))
		for _, r := range rows {
			created, err := r.Time("created_at")
			if err != nil {
				return nil, eris.Wrapf(err, "backfill: job %s", r.String("id"))
			}
			out = append(out, AssignedJob{
				JobID:      r.String("id"),
				TenantID:   r.String("tenant_id"),
				AssignedTo: r.String("assigned_to"),
				CreatedAt:  created,
			})
		}
		return out, nil
	}
}

// DeriveAssignment maps an assigned job to its assignment row. The
// supervisor who made the assignment is unknown, so the assignee stands in.
func DeriveAssignment(j AssignedJob) reconcile.Derivation {
	tenant, ok := canonicalUUID(j.TenantID)
	if !ok {
		return reconcile.SkipWith(ReasonInvalidUUID, "job %s: tenant_id %q is not a uuid", j.JobID, j.TenantID)
	}
	job, ok := canonicalUUID(j.JobID)
	if !ok {
		return reconcile.SkipWith(ReasonInvalidUUID, "job_id %q is not a uuid", j.JobID)
	}
	user, ok := canonicalUUID(j.AssignedTo)
	if !ok {
		return reconcile.SkipWith(ReasonInvalidUUID, "job %s: assigned_to %q is not a uuid", job, j.AssignedTo)
	}

	return reconcile.Derive(reconcile.NewTarget("job_assignments", tenant).
		WithKey("job_id", job).
		WithKey("user_id", user).
		With("assigned_by", user).
		Stamped("assigned_at", "created_at", "updated_at").
		Requires("jobs", "id", job))
}
