package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrStorageUnavailable means the persistent store cannot be used at all
	// (cannot open, disk full, read-only, closed). It is not retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrTransactionFailed means a write could not be committed atomically.
	// Retry the whole logical operation; assume nothing was applied.
	ErrTransactionFailed = errors.New("transaction failed")
)

// unavailable tags err as ErrStorageUnavailable unless it already is.
func unavailable(err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// classify maps an engine error from op into the store's error taxonomy.
// Context cancellation is passed through so callers can tell it apart.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTransactionFailed, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_FULL, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_READONLY,
			sqlite3.SQLITE_PERM, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_IOERR:
			return true
		}
		return false
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		// 53: insufficient resources, 08: connection exception, 25006: read-only transaction
		return strings.HasPrefix(pe.Code, "53") || strings.HasPrefix(pe.Code, "08") || pe.Code == "25006"
	}
	return false
}
