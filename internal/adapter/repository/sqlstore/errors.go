package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/V4T54L/logpipe/internal/domain"
)

const pgUniqueViolation = "23505"

// isDuplicateKey reports whether err is a uniqueness violation on the dedup
// index. Violations of any other constraint are not duplicates.
func isDuplicateKey(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation && pqErr.Constraint == dedupIndexName
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == dedupIndexName
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		unique := code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE"))
		return unique && strings.Contains(liteErr.Error(), tableName+".business_event_id")
	}
	return false
}

// isTransientPgCode covers connection loss, serialization and deadlock
// failures, resource exhaustion and server shutdown.
func isTransientPgCode(code string) bool {
	if strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P") {
		return true
	}
	switch code {
	case "40001", "40P01", "53300", "55P03", "57014":
		return true
	}
	return false
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return isTransientPgCode(string(pqErr.Code))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isTransientPgCode(pgErr.Code)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classify wraps a driver error in the store error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsTransient(err) || domain.IsFatal(err) {
		return err
	}
	if isTransient(err) {
		return &domain.TransientStoreError{Op: op, Err: err}
	}
	return &domain.FatalStoreError{Op: op, Err: err}
}
