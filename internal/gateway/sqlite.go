package gateway

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fieldops/reconcile-cli/internal/db"
	"github.com/fieldops/reconcile-cli/internal/reconcile"
)

// SQLite implements Gateway on a local modernc.org/sqlite database. It backs
// rehearsal runs and lets tests exercise real UNIQUE constraints.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn, configures WAL mode and turns on
// foreign-key enforcement so rehearsal writes fail where production would.
func NewSQLite(dsn string) (*SQLite, error) {
	if !strings.Contains(dsn, "_time_format=") {
		dsn = withDSNParam(dsn, "_time_format=sqlite")
	}
	// foreign_keys is per connection; the driver applies DSN pragmas to
	// every connection it opens.
	if !strings.Contains(dsn, "foreign_keys") {
		dsn = withDSNParam(dsn, "_pragma=foreign_keys(1)")
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// One connection keeps pragmas in effect and serializes writers the way
	// SQLite would anyway.
	conn.SetMaxOpenConns(1)
	return &SQLite{db: conn}, nil
}

func withDSNParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

// rehearsalSchema mirrors the production tables the backfill jobs touch,
// including the natural-key UNIQUE constraints.
const rehearsalSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id),
	email      TEXT NOT NULL,
	full_name  TEXT,
	role       TEXT NOT NULL DEFAULT 'technician',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL REFERENCES tenants(id),
	title           TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'scheduled',
	assigned_to     TEXT,
	checklist_items TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS items (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL REFERENCES tenants(id),
	name       TEXT NOT NULL,
	item_type  TEXT NOT NULL DEFAULT 'equipment',
	category   TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS item_transactions (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL REFERENCES tenants(id),
	item_id          TEXT NOT NULL REFERENCES items(id),
	job_id           TEXT REFERENCES jobs(id),
	transaction_type TEXT NOT NULL,
	quantity         NUMERIC NOT NULL DEFAULT 1,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS job_assignments (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL REFERENCES tenants(id),
	job_id      TEXT NOT NULL REFERENCES jobs(id),
	user_id     TEXT NOT NULL,
	assigned_by TEXT,
	assigned_at DATETIME,
	created_at  DATETIME,
	updated_at  DATETIME,
	UNIQUE (tenant_id, job_id, user_id)
);

CREATE TABLE IF NOT EXISTS job_checklist_items (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL REFERENCES tenants(id),
	job_id          TEXT NOT NULL REFERENCES jobs(id),
	item_id         TEXT NOT NULL REFERENCES items(id),
	sequence_number INTEGER NOT NULL,
	item_type       TEXT,
	item_name       TEXT NOT NULL,
	quantity        INTEGER NOT NULL CHECK (quantity > 0),
	status          TEXT NOT NULL DEFAULT 'pending',
	created_at      DATETIME,
	updated_at      DATETIME,
	UNIQUE (tenant_id, job_id, item_id)
);

CREATE TABLE IF NOT EXISTS job_item_associations (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL REFERENCES tenants(id),
	job_id      TEXT NOT NULL REFERENCES jobs(id),
	item_id     TEXT NOT NULL REFERENCES items(id),
	quantity    INTEGER NOT NULL DEFAULT 1,
	is_required BOOLEAN NOT NULL DEFAULT 1,
	status      TEXT NOT NULL DEFAULT 'pending',
	created_at  DATETIME,
	updated_at  DATETIME,
	UNIQUE (tenant_id, job_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_jobs_tenant_created ON jobs(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_item_transactions_job ON item_transactions(job_id, created_at);
`

// Migrate applies the rehearsal schema. It is safe to run repeatedly.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, rehearsalSchema)
	return eris.Wrap(err, "sqlite: migrate")
}

// Select runs q and returns every matching row.
func (s *SQLite) Select(ctx context.Context, q db.Query) ([]Row, error) {
	query, args, err := q.Build(db.Question)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: select %s", q.Table)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: columns %s", q.Table)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", q.Table)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(vals[i])
		}
		out = append(out, row)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: iterate %s", q.Table)
}

// Exists reports whether any row in table matches where.
func (s *SQLite) Exists(ctx context.Context, table string, where []db.Predicate) (bool, error) {
	query, args, err := db.BuildExists(table, where, db.Question)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: exists")
	}

	var one int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: exists %s", table)
	}
	return true, nil
}

// Insert writes row into table, assigning a UUID primary key when the row
// carries none.
func (s *SQLite) Insert(ctx context.Context, table string, row Row) error {
	if _, ok := row["id"]; !ok {
		withID := make(Row, len(row)+1)
		for k, v := range row {
			withID[k] = v
		}
		withID["id"] = uuid.NewString()
		row = withID
	}

	cols := row.columns()
	query, err := db.BuildInsert(table, cols, db.Question)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert")
	}

	_, err = s.db.ExecContext(ctx, query, row.values(cols)...)
	if err == nil {
		return nil
	}
	if isSQLiteUnique(err) {
		return eris.Wrapf(reconcile.ErrConflict, "sqlite: insert %s: %s", table, err.Error())
	}
	return eris.Wrapf(err, "sqlite: insert %s", table)
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
