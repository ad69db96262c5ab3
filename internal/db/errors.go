package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the reconciler distinguishes.
const (
	CodeUniqueViolation           = "23505"
	CodeForeignKeyViolation       = "23503"
	CodeNotNullViolation          = "23502"
	CodeCheckViolation            = "23514"
	CodeInvalidTextRepresentation = "22P02"
	CodeSerializationFailure      = "40001"
	CodeDeadlockDetected          = "40P01"
	CodeTooManyConnections        = "53300"
	CodeAdminShutdown             = "57P01"
	CodeCannotConnectNow          = "57P03"
)

// SQLState returns the SQLSTATE of the first *pgconn.PgError in err's chain,
// or "" if there is none.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique_violation.
func IsUniqueViolation(err error) bool {
	return SQLState(err) == CodeUniqueViolation
}

// ConstraintName returns the violated constraint, if the server reported one.
func ConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// IsTransient reports whether err is a Postgres failure that may succeed on a
// later attempt: connection-class errors, serialization/deadlock aborts,
// server shutdown, and client-side timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	code := SQLState(err)
	if len(code) == 5 && code[:2] == "08" {
		return true
	}
	switch code {
	case CodeSerializationFailure, CodeDeadlockDetected, CodeTooManyConnections,
		CodeAdminShutdown, CodeCannotConnectNow:
		return true
	}
	return false
}
