package gateway

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/reconcile-cli/internal/db"
	"github.com/fieldops/reconcile-cli/internal/reconcile"
)

// newMockPostgres creates a Postgres gateway backed by pgxmock for unit testing.
func newMockPostgres(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgres(mock), mock
}

func TestPostgres_Select(t *testing.T) {
	pg, mock := newMockPostgres(t)
	id := [16]byte{0x6f, 0x1c, 0x2a, 0x4e, 0x1b, 0x2d, 0x4c, 0x8e, 0x9f, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "id", "tenant_id", "assigned_to" FROM "jobs" WHERE "assigned_to" IS NOT NULL AND "tenant_id" = $1 ORDER BY "created_at" ASC LIMIT 10`)).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "assigned_to"}).
			AddRow(id, "t1", "u1").
			AddRow(id, "t1", nil))

	rows, err := pg.Select(context.Background(), db.Query{
		Table:   "jobs",
		Columns: []string{"id", "tenant_id", "assigned_to"},
		Where:   []db.Predicate{db.NotNull("assigned_to"), db.Eq("tenant_id", "t1")},
		OrderBy: []db.Order{db.Asc("created_at")},
		Limit:   10,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "6f1c2a4e-1b2d-4c8e-9f10-111213141516", rows[0].String("id"))
	assert.Equal(t, "u1", rows[0].String("assigned_to"))
	assert.True(t, rows[1].IsNull("assigned_to"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SelectError(t *testing.T) {
	pg, mock := newMockPostgres(t)
	mock.ExpectQuery(`SELECT \* FROM "items"`).WillReturnError(errors.New("connection refused"))

	_, err := pg.Select(context.Background(), db.Query{Table: "items"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: select items")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Exists(t *testing.T) {
	pg, mock := newMockPostgres(t)
	sql := regexp.QuoteMeta(`SELECT 1 FROM "tenants" WHERE "id" = $1 LIMIT 1`)

	mock.ExpectQuery(sql).WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(sql).WithArgs("t2").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}))

	ok, err := pg.Exists(context.Background(), "tenants", []db.Predicate{db.Eq("id", "t1")})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pg.Exists(context.Background(), "tenants", []db.Predicate{db.Eq("id", "t2")})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ExistsRequiresKey(t *testing.T) {
	pg, _ := newMockPostgres(t)
	_, err := pg.Exists(context.Background(), "tenants", nil)
	assert.Error(t, err)
}

func TestPostgres_Insert(t *testing.T) {
	pg, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "job_assignments" ("job_id", "tenant_id", "user_id") VALUES ($1, $2, $3)`)).
		WithArgs("j1", "t1", "u1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := pg.Insert(context.Background(), "job_assignments", Row{"tenant_id": "t1", "job_id": "j1", "user_id": "u1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertUniqueViolationIsConflict(t *testing.T) {
	pg, mock := newMockPostgres(t)
	mock.ExpectExec(`INSERT INTO "job_assignments"`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "job_assignments_tenant_job_user_key"})

	err := pg.Insert(context.Background(), "job_assignments", Row{"tenant_id": "t1", "job_id": "j1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrConflict)
	assert.Contains(t, err.Error(), "job_assignments_tenant_job_user_key")
}

func TestPostgres_InsertOtherViolationIsNotConflict(t *testing.T) {
	pg, mock := newMockPostgres(t)
	mock.ExpectExec(`INSERT INTO "job_assignments"`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"})

	err := pg.Insert(context.Background(), "job_assignments", Row{"job_id": "j1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, reconcile.ErrConflict)
	assert.Contains(t, err.Error(), "sqlstate 23503")
}
