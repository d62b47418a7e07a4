// Package store is the device-local durable record store. Records live in named
// partitions, carry optional secondary index values, and are written inside
// database transactions so a reader never sees a half-written record.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"pickedge/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DB wraps the SQL connection backing every partition.
type DB struct {
	*sql.DB
	dialect Dialect
	driver  string
	closed  atomic.Bool
}

// Open opens the configured storage engine and runs migrations. Any failure is
// reported as ErrStorageUnavailable so callers can fall back to online-only mode.
func Open(cfg *config.DatabaseConfig) (*DB, error) {
	var (
		db  *DB
		err error
	)
	switch cfg.Driver {
	case "sqlite", "":
		db, err = openSQLite(cfg.SQLite.Path)
	case "postgres":
		db, err = openPostgres(&cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported database driver %q: %w", cfg.Driver, ErrStorageUnavailable)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return db, nil
}

// OpenSQLite is a shorthand for opening an on-device SQLite file.
func OpenSQLite(path string) (*DB, error) {
	return Open(&config.DatabaseConfig{Driver: "sqlite", SQLite: config.SQLiteConfig{Path: path}})
}

func openSQLite(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes every transaction in the process.
	sqlDB.SetMaxOpenConns(1)
	db := &DB{DB: sqlDB, dialect: sqliteDialect{}, driver: "sqlite"}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return db, nil
}

func openPostgres(cfg *config.PostgresConfig) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db := &DB{DB: sqlDB, dialect: postgresDialect{}, driver: "postgres"}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return db, nil
}

func (db *DB) Driver() string { return db.driver }

// Close closes the database. Later calls fail with ErrStorageUnavailable.
func (db *DB) Close() error {
	db.closed.Store(true)
	return db.DB.Close()
}

// Q rewrites ? placeholders for PostgreSQL, passes through for SQLite.
func (db *DB) Q(query string) string {
	if db.driver == "postgres" {
		return Rebind(query)
	}
	return query
}

func (db *DB) migrate() error {
	for _, stmt := range strings.Split(schema(db.dialect), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Update runs fn inside one read-write transaction. If fn returns an error the
// transaction is rolled back and the error is returned unchanged; a failed
// begin or commit is reported as ErrTransactionFailed.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if db.closed.Load() {
		return ErrStorageUnavailable
	}
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	tx := &Tx{tx: sqlTx, db: db, ctx: ctx}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// View runs fn inside a transaction that is always rolled back.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	if db.closed.Load() {
		return ErrStorageUnavailable
	}
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer sqlTx.Rollback()
	return fn(&Tx{tx: sqlTx, db: db, ctx: ctx})
}

// Put inserts or overwrites one record.
func (db *DB) Put(ctx context.Context, p Partition, rec Record) error {
	return db.Update(ctx, func(tx *Tx) error { return tx.Put(p, rec) })
}

// Get returns the record stored under key, or nil when there is none.
func (db *DB) Get(ctx context.Context, p Partition, key string) (*Record, error) {
	var rec *Record
	err := db.View(ctx, func(tx *Tx) error {
		var err error
		rec, err = tx.Get(p, key)
		return err
	})
	return rec, err
}

// Query returns every record in p whose index holds value.
func (db *DB) Query(ctx context.Context, p Partition, index, value string) ([]Record, error) {
	var recs []Record
	err := db.View(ctx, func(tx *Tx) error {
		var err error
		recs, err = tx.Query(p, index, value)
		return err
	})
	return recs, err
}

// Delete removes one record. Deleting a missing key is not an error.
func (db *DB) Delete(ctx context.Context, p Partition, key string) error {
	return db.Update(ctx, func(tx *Tx) error { return tx.Delete(p, key) })
}

// Clear removes every record in a partition.
func (db *DB) Clear(ctx context.Context, p Partition) error {
	return db.Update(ctx, func(tx *Tx) error { return tx.Clear(p) })
}

// Count returns the number of records in a partition.
func (db *DB) Count(ctx context.Context, p Partition) (int, error) {
	var n int
	err := db.View(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.Count(p)
		return err
	})
	return n, err
}

// CountIndex returns the number of records in p whose index holds value.
func (db *DB) CountIndex(ctx context.Context, p Partition, index, value string) (int, error) {
	var n int
	err := db.View(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.CountIndex(p, index, value)
		return err
	})
	return n, err
}
