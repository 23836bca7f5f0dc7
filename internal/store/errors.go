package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// asPgError is a thin errors.As wrapper so store.go reads as a single
// switch on Postgres error codes rather than repeating the type assertion.
func asPgError(err error, target **pgconn.PgError) bool {
	return errors.As(err, target)
}
