package backfill

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/fieldops/reconcile-cli/internal/db"
	"github.com/fieldops/reconcile-cli/internal/gateway"
	"github.com/fieldops/reconcile-cli/internal/reconcile"
)

// ChecklistJob builds job checklists from the items checked out to each job.
const ChecklistJob = "checklist-from-transactions"

// itemBatchSize bounds the IN list of one items lookup.
const itemBatchSize = 200

func init() {
	register(Job{
		Name:        ChecklistJob,
		Description: "create job_checklist_items from check_out item_transactions, one row per job and item",
		Run: func(ctx context.Context, env Env, f reconcile.Filter) (*reconcile.Result, error) {
			return reconcileWith(ctx, env, ChecklistJob, ChecklistLines(env.Gateway), DeriveChecklistItem, f)
		},
	})
}

// Item is the catalog detail copied onto a checklist row.
type Item struct {
	Name     string
	Type     string
	Category string
}

// ChecklistLine is every check_out of one item to one job, collapsed.
type ChecklistLine struct {
	TenantID     string
	JobID        string
	ItemID       string
	Quantity     decimal.Decimal
	Sequence     int
	Transactions int
	FirstSeen    time.Time
	Item         *Item // nil when the item row is gone
}

// Checkout is one check_out transaction tied to a job.
type Checkout struct {
	TenantID  string
	JobID     string
	ItemID    string
	Quantity  decimal.Decimal
	CreatedAt time.Time
}

// ChecklistLines reads check_out transactions, oldest first, and collapses
// them by (tenant, job, item). Sequence numbers count up per job in order of
// first checkout. The limit applies to collapsed lines, so the transaction
// query itself is unbounded.
func ChecklistLines(gw gateway.Gateway) reconcile.SourceFunc[ChecklistLine] {
	return func(ctx context.Context, f reconcile.Filter) ([]ChecklistLine, error) {
		where := []db.Predicate{db.Eq("transaction_type", "check_out"), db.NotNull("job_id")}
		if f.TenantID != "" {
			where = append(where, db.Eq("tenant_id", f.TenantID))
		}
		rows, err := gw.Select(ctx, db.Query{
			Table:   "item_transactions",
			Columns: []string{"id", "tenant_id", "job_id", "item_id", "quantity", "created_at"},
			Where:   where,
			OrderBy: []db.Order{db.Asc("created_at"), db.Asc("id")},
		})
		if err != nil {
			return nil, eris.Wrap(err, "backfill: fetch check_out transactions")
		}

		txs := make([]Checkout, 0, len(rows))
		for _, r := range rows {
			qty, err := r.Decimal("quantity")
			if err != nil {
				return nil, eris.Wrapf(err, "backfill: transaction %s", r.String("id"))
			}
			created, err := r.Time("created_at")
			if err != nil {
				return nil, eris.Wrapf(err, "backfill: transaction %s", r.String("id"))
			}
			txs = append(txs, Checkout{
				TenantID:  r.String("tenant_id"),
				JobID:     r.String("job_id"),
				ItemID:    r.String("item_id"),
				Quantity:  qty,
				CreatedAt: created,
			})
		}

		lines := CollapseCheckouts(txs)

		items, err := fetchItems(ctx, gw, lines)
		if err != nil {
			return nil, err
		}
		for i := range lines {
			if it, ok := items[lines[i].ItemID]; ok {
				lines[i].Item = &it
			}
		}
		return lines, nil
	}
}

type lineKey struct {
	tenant, job, item string
}

// CollapseCheckouts groups transactions by (tenant, job, item), summing
// quantities exactly and numbering lines per job from 1.
func CollapseCheckouts(txs []Checkout) []ChecklistLine {
	groups := reconcile.GroupBy(txs, func(t Checkout) lineKey {
		return lineKey{tenant: t.TenantID, job: t.JobID, item: t.ItemID}
	})

	next := make(map[string]int)
	lines := make([]ChecklistLine, len(groups))
	for i, g := range groups {
		sum := decimal.Zero
		for _, t := range g.Members {
			sum = sum.Add(t.Quantity)
		}
		next[g.Key.job]++
		lines[i] = ChecklistLine{
			TenantID:     g.Key.tenant,
			JobID:        g.Key.job,
			ItemID:       g.Key.item,
			Quantity:     sum,
			Sequence:     next[g.Key.job],
			Transactions: len(g.Members),
			FirstSeen:    g.Members[0].CreatedAt,
		}
	}
	return lines
}

func fetchItems(ctx context.Context, gw gateway.Gateway, lines []ChecklistLine) (map[string]Item, error) {
	seen := make(map[string]bool)
	var ids []any
	for _, l := range lines {
		if l.ItemID == "" || seen[l.ItemID] {
			continue
		}
		seen[l.ItemID] = true
		ids = append(ids, l.ItemID)
	}

	items := make(map[string]Item, len(ids))
	for start := 0; start < len(ids); start += itemBatchSize {
		end := min(start+itemBatchSize, len(ids))
		rows, err := gw.Select(ctx, db.Query{
			Table:   "items",
			Columns: []string{"id", "name", "item_type", "category"},
			Where:   []db.Predicate{db.In("id", ids[start:end]...)},
		})
		if err != nil {
			return nil, eris.Wrap(err, "backfill: fetch items")
		}
		for _, r := range rows {
			items[r.String("id")] = Item{
				Name:     r.String("name"),
				Type:     r.String("item_type"),
				Category: r.String("category"),
			}
		}
	}
	return items, nil
}

// DeriveChecklistItem maps a collapsed line to its checklist row.
func DeriveChecklistItem(l ChecklistLine) reconcile.Derivation {
	if l.Item == nil {
		return reconcile.SkipWith(ReasonMissingItem, "job %s: item %s not found", l.JobID, l.ItemID)
	}
	if !l.Quantity.IsInteger() {
		return reconcile.SkipWith(ReasonNonIntegralQuantity, "job %s: item %s: quantity %s", l.JobID, l.ItemID, l.Quantity)
	}
	if !l.Quantity.IsPositive() {
		return reconcile.SkipWith(ReasonNonPositiveQuantity, "job %s: item %s: quantity %s", l.JobID, l.ItemID, l.Quantity)
	}

	return reconcile.Derive(reconcile.NewTarget("job_checklist_items", l.TenantID).
		WithKey("job_id", l.JobID).
		WithKey("item_id", l.ItemID).
		With("sequence_number", l.Sequence).
		With("item_type", cleanToken(l.Item.Type)).
		With("item_name", cleanText(l.Item.Name)).
		With("quantity", l.Quantity.IntPart()).
		With("status", "pending").
		Stamped("created_at", "updated_at").
		Requires("jobs", "id", l.JobID).
		Requires("items", "id", l.ItemID))
}
