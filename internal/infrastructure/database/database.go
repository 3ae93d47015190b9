package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	// Run metadata and account hashes live here; owner-only.
	filePermissions = 0600

	// msPerSecond converts the configured busy timeout to milliseconds.
	msPerSecond = 1000

	// connectionTimeout bounds the initial connectivity ping.
	connectionTimeout = 5 * time.Second

	// connMaxIdleTime is how long an idle connection is kept open.
	connMaxIdleTime = 30 * time.Minute
)

// DB wraps the beamline's SQLite handle. One file holds the run
// catalog, motor position snapshots, operator accounts, console
// layouts, and the audit log, so everything shares a single writer
// connection and one migration history.
type DB struct {
	*sql.DB
	path string
}

// Config maps to the [database] section of the beamline configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// The directory is created when missing.
	Path string

	// WALMode enables write-ahead logging. Scan event inserts arrive
	// while the API reads, so WAL should stay on outside of tests.
	WALMode bool

	// BusyTimeout is the maximum time to wait for a database lock
	// (seconds) before a query fails with "database is locked".
	BusyTimeout int
}

// Open opens (creating if necessary) the beamline database.
//
// It performs the following setup:
//  1. Creates the database directory if it doesn't exist
//  2. Opens the database file with busy-timeout, foreign-key, and
//     (optionally) WAL pragmas in the connection string
//  3. Pins the pool to a single connection, matching SQLite's single
//     writer
//  4. Verifies the connection with a ping and restricts the file mode
//
// Parameters:
//   - cfg: Database configuration
//
// Returns:
//   - *DB: Connected database wrapper
//   - error: If connection or configuration fails
func Open(cfg Config) (*DB, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas ride the connection string so every (re)connection gets
	// them. See: https://github.com/mattn/go-sqlite3#connection-string
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path,
		cfg.BusyTimeout*msPerSecond,
	)
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	sqlDB, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serialises writers at the pool instead of
	// surfacing SQLITE_BUSY mid-scan; readers ride the same handle.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	db := &DB{
		DB:   sqlDB,
		path: cfg.Path,
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	// First run may not have materialised the file yet; the mode is
	// applied after the first write in that case.
	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // see above

	return db, nil
}

// Close checkpoints the WAL and closes the handle. Folding the -wal
// file back on shutdown keeps weeks of fly-scan event volume from
// living in the sidecar between daemon restarts.
//
// Returns:
//   - error: If closing fails (a failed checkpoint only logs through
//     the returned close error when closing itself also fails)
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	//nolint:errcheck // checkpoint is advisory; Close is the real teardown
	db.DB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")

	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the database file.
func (db *DB) Path() string {
	return db.path
}

// SizeBytes returns the current size of the database file, excluding
// any WAL sidecar. The daemon logs it once startup checks pass.
func (db *DB) SizeBytes() (int64, error) {
	info, err := os.Stat(db.path)
	if err != nil {
		return 0, fmt.Errorf("database size: %w", err)
	}
	return info.Size(), nil
}

// HealthCheck verifies the database answers a trivial query.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
