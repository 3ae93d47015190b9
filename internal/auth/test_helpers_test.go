package auth

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates a temporary SQLite database with the auth schema applied.
// The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// Use a temp file so WAL mode works (in-memory doesn't support it)
	f, err := os.CreateTemp("", "auth-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Create prerequisite tables (hutches belong to facilities, which the auth migration references)
	prerequisiteSQL := `
		CREATE TABLE facilities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		) STRICT;

		CREATE TABLE hutches (
			id TEXT PRIMARY KEY,
			facility_id TEXT NOT NULL,
			name TEXT NOT NULL,
			FOREIGN KEY (facility_id) REFERENCES facilities(id) ON DELETE CASCADE
		) STRICT;
	`
	if _, err := db.Exec(prerequisiteSQL); err != nil {
		t.Fatalf("creating prerequisite tables: %v", err)
	}

	// Apply the auth migration
	migrationSQL := `
		CREATE TABLE users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			email TEXT,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'observer',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_by TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%%H:%%M:%%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%%H:%%M:%%SZ', 'now')),
			FOREIGN KEY (created_by) REFERENCES users(id) ON DELETE SET NULL
		) STRICT;

		CREATE UNIQUE INDEX idx_users_username ON users(username);
		CREATE INDEX idx_users_role ON users(role);

		CREATE TABLE refresh_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			family_id TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			device_info TEXT,
			expires_at TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%%H:%%M:%%SZ', 'now')),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		) STRICT;

		CREATE INDEX idx_refresh_tokens_user ON refresh_tokens(user_id);
		CREATE INDEX idx_refresh_tokens_family ON refresh_tokens(family_id);
		CREATE INDEX idx_refresh_tokens_expires ON refresh_tokens(expires_at);

		CREATE TABLE consoles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_seen_at TEXT,
			created_by TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%%H:%%M:%%SZ', 'now')),
			FOREIGN KEY (created_by) REFERENCES users(id) ON DELETE SET NULL
		) STRICT;

		CREATE TABLE console_hutch_access (
			console_id TEXT NOT NULL,
			hutch_id TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%%H:%%M:%%SZ', 'now')),
			PRIMARY KEY (console_id, hutch_id),
			FOREIGN KEY (console_id) REFERENCES consoles(id) ON DELETE CASCADE,
			FOREIGN KEY (hutch_id) REFERENCES hutches(id) ON DELETE CASCADE
		) STRICT;

		CREATE INDEX idx_console_hutch_access_hutch ON console_hutch_access(hutch_id);

		CREATE TABLE user_hutch_access (
			user_id TEXT NOT NULL,
			hutch_id TEXT NOT NULL,
			can_run_plans INTEGER NOT NULL DEFAULT 0,
			created_by TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%%H:%%M:%%SZ', 'now')),
			PRIMARY KEY (user_id, hutch_id),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY (hutch_id) REFERENCES hutches(id) ON DELETE CASCADE,
			FOREIGN KEY (created_by) REFERENCES users(id) ON DELETE SET NULL
		) STRICT;

		CREATE INDEX idx_user_hutch_access_hutch ON user_hutch_access(hutch_id);
	`
	if _, err := db.Exec(migrationSQL); err != nil {
		t.Fatalf("applying auth migration: %v", err)
	}

	return db
}

// seedTestHutches inserts a test facility and hutches for scoping tests.
func seedTestHutches(t *testing.T, db *sql.DB) {
	t.Helper()

	_, err := db.Exec(`
		INSERT INTO facilities (id, name) VALUES ('fac-001', 'Advanced Light Source');
		INSERT INTO hutches (id, facility_id, name) VALUES ('hutch-a', 'fac-001', 'Optics Hutch');
		INSERT INTO hutches (id, facility_id, name) VALUES ('hutch-b', 'fac-001', 'Experimental Hutch B');
		INSERT INTO hutches (id, facility_id, name) VALUES ('hutch-c', 'fac-001', 'Experimental Hutch C');
		INSERT INTO hutches (id, facility_id, name) VALUES ('hutch-d', 'fac-001', 'Microprobe Hutch');
	`)
	if err != nil {
		t.Fatalf("seeding test hutches: %v", err)
	}
}

// seedTestUser inserts a test user and returns it.
func seedTestUser(t *testing.T, db *sql.DB, username string, role Role) *User {
	t.Helper()

	hash, err := HashPassword("test-password")
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}

	repo := NewUserRepository(db)
	user := &User{
		Username:     username,
		DisplayName:  username,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := repo.Create(t.Context(), user); err != nil {
		t.Fatalf("creating test user %s: %v", username, err)
	}
	return user
}
