package repositories

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the repository reacts to.
const (
	sqlUniqueViolation = "23505"
	sqlUndefinedTable  = "42P01"
)

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isUndefinedTable reports a query against a schema that was never applied.
func isUndefinedTable(err error) bool { return sqlState(err) == sqlUndefinedTable }

func isUniqueViolation(err error) bool { return sqlState(err) == sqlUniqueViolation }
