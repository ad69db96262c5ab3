package gateway

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/fieldops/reconcile-cli/internal/db"
	"github.com/fieldops/reconcile-cli/internal/reconcile"
)

// Postgres implements Gateway over a pgx pool.
type Postgres struct {
	pool db.Pool
}

// NewPostgres wraps an existing pool. The gateway owns it from here on.
func NewPostgres(pool db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// OpenPostgres dials connString and returns a ready gateway.
func OpenPostgres(ctx context.Context, connString string, cfg db.PoolConfig) (*Postgres, error) {
	pool, err := db.Open(ctx, connString, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	return NewPostgres(pool), nil
}

// Select runs q and returns every matching row.
func (p *Postgres) Select(ctx context.Context, q db.Query) ([]Row, error) {
	sql, args, err := q.Build(db.Dollar)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select")
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: select %s", q.Table)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scan %s", q.Table)
	}

	out := make([]Row, len(maps))
	for i, m := range maps {
		row := make(Row, len(m))
		for k, v := range m {
			row[k] = normalize(v)
		}
		out[i] = row
	}
	return out, nil
}

// Exists reports whether any row in table matches where.
func (p *Postgres) Exists(ctx context.Context, table string, where []db.Predicate) (bool, error) {
	sql, args, err := db.BuildExists(table, where, db.Dollar)
	if err != nil {
		return false, eris.Wrap(err, "postgres: exists")
	}

	var one int
	err = p.pool.QueryRow(ctx, sql, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: exists %s", table)
	}
	return true, nil
}

// Insert writes row into table.
func (p *Postgres) Insert(ctx context.Context, table string, row Row) error {
	cols := row.columns()
	sql, err := db.BuildInsert(table, cols, db.Dollar)
	if err != nil {
		return eris.Wrap(err, "postgres: insert")
	}

	_, err = p.pool.Exec(ctx, sql, row.values(cols)...)
	if err == nil {
		return nil
	}
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(reconcile.ErrConflict, "postgres: insert %s: constraint %s", table, db.ConstraintName(err))
	}
	if code := db.SQLState(err); code != "" {
		return eris.Wrapf(err, "postgres: insert %s (sqlstate %s)", table, code)
	}
	return eris.Wrapf(err, "postgres: insert %s", table)
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
