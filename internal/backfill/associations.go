package backfill

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/fieldops/reconcile-cli/internal/db"
	"github.com/fieldops/reconcile-cli/internal/gateway"
	"github.com/fieldops/reconcile-cli/internal/reconcile"
)

// TaskItemsJob turns the legacy jobs.checklist_items JSON array into
// job_item_associations rows.
const TaskItemsJob = "task-item-associations"

func init() {
	register(Job{
		Name:        TaskItemsJob,
		Description: "create job_item_associations from the jobs.checklist_items JSON array",
		Run: func(ctx context.Context, env Env, f reconcile.Filter) (*reconcile.Result, error) {
			return reconcileWith(ctx, env, TaskItemsJob, ChecklistEntries(env.Gateway), DeriveAssociation, f)
		},
	})
}

// Association statuses, highest priority first.
const (
	StatusMissing  = "missing"
	StatusVerified = "verified"
	StatusLoaded   = "loaded"
	StatusPending  = "pending"
)

// ChecklistEntry is one element of a job's checklist_items array. Raw is
// nil and Malformed set when the column itself is not a JSON array.
type ChecklistEntry struct {
	TenantID  string
	JobID     string
	Position  int
	Raw       json.RawMessage
	Malformed bool
}

// checklistElement is the legacy shape written by the mobile app.
type checklistElement struct {
	ID       string           `json:"id"`
	Quantity *decimal.Decimal `json:"quantity"`
	Loaded   bool             `json:"loaded"`
	Verified bool             `json:"verified"`
	Missing  bool             `json:"missing"`
}

// ChecklistEntries reads jobs with a checklist and flattens each array into
// one candidate per element, in job creation order.
func ChecklistEntries(gw gateway.Gateway) reconcile.SourceFunc[ChecklistEntry] {
	return func(ctx context.Context, f reconcile.Filter) ([]ChecklistEntry, error) {
		where := []db.Predicate{db.NotNull("checklist_items")}
		if f.TenantID != "" {
			where = append(where, db.Eq("tenant_id", f.TenantID))
		}
		rows, err := gw.Select(ctx, db.Query{
			Table:   "jobs",
			Columns: []string{"id", "tenant_id", "checklist_items"},
			Where:   where,
			OrderBy: []db.Order{db.Asc("created_at"), db.Asc("id")},
		})
		if err != nil {
			return nil, eris.Wrap(err, "backfill: fetch job checklists")
		}

		var out []ChecklistEntry
		for _, r := range rows {
			job, tenant := r.String("id"), r.String("tenant_id")
			raw, err := r.JSON("checklist_items")
			if err != nil {
				out = append(out, ChecklistEntry{TenantID: tenant, JobID: job, Malformed: true})
				continue
			}
			out = append(out, FlattenChecklist(tenant, job, raw)...)
		}
		return out, nil
	}
}

// FlattenChecklist splits a checklist array into entries. Anything other
// than an array yields a single malformed entry so the job is reported.
func FlattenChecklist(tenant, job string, raw json.RawMessage) []ChecklistEntry {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return []ChecklistEntry{{TenantID: tenant, JobID: job, Malformed: true}}
	}
	out := make([]ChecklistEntry, len(elems))
	for i, e := range elems {
		out[i] = ChecklistEntry{TenantID: tenant, JobID: job, Position: i, Raw: e}
	}
	return out
}

// DeriveAssociation maps one checklist element to its association row.
func DeriveAssociation(e ChecklistEntry) reconcile.Derivation {
	if e.Malformed {
		return reconcile.SkipWith(ReasonMalformedChecklist, "job %s: checklist_items is not a JSON array", e.JobID)
	}
	trimmed := bytes.TrimSpace(e.Raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return reconcile.SkipWith(ReasonMalformedChecklist, "job %s: element %d is not an object", e.JobID, e.Position)
	}

	var el checklistElement
	if err := json.Unmarshal(trimmed, &el); err != nil {
		return reconcile.SkipWith(ReasonMalformedChecklist, "job %s: element %d: %v", e.JobID, e.Position, err)
	}
	if el.ID == "" {
		return reconcile.SkipWith(ReasonMissingItemID, "job %s: element %d has no id", e.JobID, e.Position)
	}

	qty := decimal.NewFromInt(1)
	if el.Quantity != nil {
		qty = *el.Quantity
	}
	if !qty.IsInteger() {
		return reconcile.SkipWith(ReasonNonIntegralQuantity, "job %s: item %s: quantity %s", e.JobID, el.ID, qty)
	}
	if !qty.IsPositive() {
		return reconcile.SkipWith(ReasonNonPositiveQuantity, "job %s: item %s: quantity %s", e.JobID, el.ID, qty)
	}

	return reconcile.Derive(reconcile.NewTarget("job_item_associations", e.TenantID).
		WithKey("job_id", e.JobID).
		WithKey("item_id", el.ID).
		With("quantity", qty.IntPart()).
		With("is_required", true).
		With("status", associationStatus(el)).
		Stamped("created_at", "updated_at").
		Requires("jobs", "id", e.JobID).
		Requires("items", "id", el.ID))
}

func associationStatus(el checklistElement) string {
	switch {
	case el.Missing:
		return StatusMissing
	case el.Verified:
		return StatusVerified
	case el.Loaded:
		return StatusLoaded
	default:
		return StatusPending
	}
}
