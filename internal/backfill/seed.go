package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/fieldops/reconcile-cli/internal/reconcile"
)

// SeedJob is the result name used for fixture loads.
const SeedJob = "seed"

// Fixtures is a fixture file: tables loaded in order so later tables can
// reference rows created by earlier ones.
//
//	tables:
//	  - name: tenants
//	    key: [id]
//	    rows:
//	      - {id: 7d9f..., name: Acme Field Services}
//	  - name: jobs
//	    key: [id]
//	    references: {assigned_to: users.id}
//	    rows: [...]
type Fixtures struct {
	Tables []FixtureTable `yaml:"tables"`
}

// FixtureTable describes one table's rows and natural key.
type FixtureTable struct {
	Name string   `yaml:"name"`
	Key  []string `yaml:"key"`
	// References maps a column to the "table.column" it must resolve to.
	// tenant_id -> tenants.id is implied for every table but tenants.
	References map[string]string `yaml:"references"`
	Rows       []map[string]any  `yaml:"rows"`
}

// FixtureRow is one seed candidate.
type FixtureRow struct {
	Table *FixtureTable
	Index int
	Row   map[string]any
}

// LoadFixtures reads and validates a fixture file.
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "backfill: read fixtures %s", path)
	}
	return ParseFixtures(data)
}

// ParseFixtures decodes fixture YAML.
func ParseFixtures(data []byte) (*Fixtures, error) {
	var fx Fixtures
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, eris.Wrap(err, "backfill: parse fixtures")
	}
	for i, t := range fx.Tables {
		if t.Name == "" {
			return nil, eris.Errorf("backfill: fixtures: table %d has no name", i)
		}
		if len(t.Key) == 0 {
			return nil, eris.Errorf("backfill: fixtures: table %s has no key", t.Name)
		}
		for col, ref := range t.References {
			if _, _, ok := strings.Cut(ref, "."); !ok {
				return nil, eris.Errorf("backfill: fixtures: table %s: reference %s=%q is not table.column", t.Name, col, ref)
			}
		}
	}
	return &fx, nil
}

// Candidates flattens the fixtures in file order.
func (fx *Fixtures) Candidates() []FixtureRow {
	var out []FixtureRow
	for i := range fx.Tables {
		t := &fx.Tables[i]
		for j, row := range t.Rows {
			out = append(out, FixtureRow{Table: t, Index: j, Row: row})
		}
	}
	return out
}

// Seed loads fixtures through the reconciler. Candidates run sequentially
// so references to rows seeded earlier in the file resolve.
func Seed(ctx context.Context, env Env, fx *Fixtures) (*reconcile.Result, error) {
	env.Options.Concurrency = 1
	src := reconcile.SourceFunc[FixtureRow](func(context.Context, reconcile.Filter) ([]FixtureRow, error) {
		return fx.Candidates(), nil
	})
	return reconcileWith(ctx, env, SeedJob, src, DeriveFixtureRow, reconcile.Filter{})
}

// DeriveFixtureRow makes a row its own target. The tenants table is keyed
// by id and owns itself; every other table is tenant-scoped.
func DeriveFixtureRow(fr FixtureRow) reconcile.Derivation {
	t := fr.Table
	row := fr.Row

	var target reconcile.Target
	used := map[string]bool{}
	if t.Name == reconcile.TenantsTable {
		id := scalar(row["id"])
		if id == "" {
			return reconcile.SkipWith(ReasonMissingKey, "%s row %d: no id", t.Name, fr.Index)
		}
		target = reconcile.Target{Table: t.Name, Tenant: id}
	} else {
		tenant := scalar(row[reconcile.TenantColumn])
		if tenant == "" {
			return reconcile.SkipWith(ReasonMissingKey, "%s row %d: no %s", t.Name, fr.Index, reconcile.TenantColumn)
		}
		target = reconcile.NewTarget(t.Name, tenant)
		used[reconcile.TenantColumn] = true
	}

	for _, col := range t.Key {
		if used[col] {
			continue
		}
		v, ok := row[col]
		if !ok || v == nil {
			return reconcile.SkipWith(ReasonMissingKey, "%s row %d: no %s", t.Name, fr.Index, col)
		}
		target = target.WithKey(col, v)
		used[col] = true
	}

	payload := make([]string, 0, len(row))
	for col := range row {
		if !used[col] {
			payload = append(payload, col)
		}
	}
	sort.Strings(payload)
	for _, col := range payload {
		v, err := columnValue(row[col])
		if err != nil {
			return reconcile.SkipWith(ReasonMalformedFixture, "%s row %d: column %s: %v", t.Name, fr.Index, col, err)
		}
		target = target.With(col, v)
	}

	refCols := make([]string, 0, len(t.References))
	for col := range t.References {
		refCols = append(refCols, col)
	}
	sort.Strings(refCols)
	for _, col := range refCols {
		v, ok := row[col]
		if !ok || v == nil {
			continue
		}
		table, column, _ := strings.Cut(t.References[col], ".")
		target = target.Requires(table, column, v)
	}

	return reconcile.Derive(target)
}

// columnValue stores nested YAML (lists, maps) as a JSON document.
func columnValue(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(b), nil
	default:
		return v, nil
	}
}

func scalar(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
