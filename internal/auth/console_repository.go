package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConsoleRepository defines the interface for console workstation identity persistence.
type ConsoleRepository interface {
	Create(ctx context.Context, console *Console) error
	GetByID(ctx context.Context, id string) (*Console, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*Console, error)
	List(ctx context.Context) ([]Console, error)
	UpdateName(ctx context.Context, id, name string) error
	Delete(ctx context.Context, id string) error
	UpdateLastSeen(ctx context.Context, id string) error
	SetHutches(ctx context.Context, consoleID string, hutchIDs []string) error
	GetHutchIDs(ctx context.Context, consoleID string) ([]string, error)
}

// SQLiteConsoleRepository implements ConsoleRepository using SQLite.
type SQLiteConsoleRepository struct {
	db *sql.DB
}

// NewConsoleRepository creates a new SQLite-backed console repository.
func NewConsoleRepository(db *sql.DB) *SQLiteConsoleRepository {
	// Ensure in-memory SQLite uses a single connection to avoid per-connection schemas in tests.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &SQLiteConsoleRepository{db: db}
}

// Create inserts a new console workstation identity. The ID is generated if empty.
func (r *SQLiteConsoleRepository) Create(ctx context.Context, console *Console) error {
	if console.ID == "" {
		console.ID = "con-" + uuid.NewString()[:16]
	}

	now := time.Now().UTC().Format(time.RFC3339)
	console.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO consoles (id, name, token_hash, is_active, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		console.ID, console.Name, console.TokenHash,
		boolToInt(console.IsActive), nullString(console.CreatedBy), now,
	)
	if err != nil {
		return fmt.Errorf("creating console: %w", err)
	}

	return nil
}

// GetByID retrieves a console by its unique ID.
func (r *SQLiteConsoleRepository) GetByID(ctx context.Context, id string) (*Console, error) {
	return r.scanConsole(r.db.QueryRowContext(ctx,
		`SELECT id, name, token_hash, is_active, last_seen_at, created_by, created_at
		 FROM consoles WHERE id = ?`, id))
}

// GetByTokenHash retrieves a console by its token hash (used during authentication).
func (r *SQLiteConsoleRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*Console, error) {
	return r.scanConsole(r.db.QueryRowContext(ctx,
		`SELECT id, name, token_hash, is_active, last_seen_at, created_by, created_at
		 FROM consoles WHERE token_hash = ?`, tokenHash))
}

// List returns all registered consoles.
func (r *SQLiteConsoleRepository) List(ctx context.Context) ([]Console, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, token_hash, is_active, last_seen_at, created_by, created_at
		 FROM consoles ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing consoles: %w", err)
	}
	defer rows.Close()

	var consoles []Console
	for rows.Next() {
		var c Console
		var lastSeen, createdBy sql.NullString
		var isActive int
		var createdAt string

		if err := rows.Scan(&c.ID, &c.Name, &c.TokenHash, &isActive,
			&lastSeen, &createdBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning console: %w", err)
		}

		c.IsActive = isActive != 0
		if lastSeen.Valid {
			t, _ := time.Parse(time.RFC3339, lastSeen.String) //nolint:errcheck // format is controlled
			c.LastSeenAt = &t
		}
		if createdBy.Valid {
			c.CreatedBy = createdBy.String
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

		consoles = append(consoles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating consoles: %w", err)
	}

	if consoles == nil {
		consoles = []Console{}
	}
	return consoles, nil
}

// UpdateName changes a console's display name.
func (r *SQLiteConsoleRepository) UpdateName(ctx context.Context, id, name string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE consoles SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return fmt.Errorf("updating console name: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrConsoleNotFound
	}
	return nil
}

// Delete removes a console by ID. Hutch assignments are cascade-deleted.
func (r *SQLiteConsoleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM consoles WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting console: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrConsoleNotFound
	}
	return nil
}

// UpdateLastSeen updates the console's last_seen_at timestamp to now.
func (r *SQLiteConsoleRepository) UpdateLastSeen(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		"UPDATE consoles SET last_seen_at = ? WHERE id = ?", now, id)
	if err != nil {
		return fmt.Errorf("updating last seen: %w", err)
	}
	return nil
}

// SetHutches replaces all hutch assignments for a console. Pass an empty slice to remove all.
func (r *SQLiteConsoleRepository) SetHutches(ctx context.Context, consoleID string, hutchIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM console_hutch_access WHERE console_id = ?", consoleID); err != nil {
		return fmt.Errorf("clearing console hutches: %w", err)
	}

	for _, hutchID := range hutchIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO console_hutch_access (console_id, hutch_id) VALUES (?, ?)",
			consoleID, hutchID); err != nil {
			return fmt.Errorf("assigning hutch %s to console: %w", hutchID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing console hutches: %w", err)
	}
	return nil
}

// GetHutchIDs returns the hutch IDs assigned to a console.
//
//nolint:dupl // structurally similar to hutch access queries
func (r *SQLiteConsoleRepository) GetHutchIDs(ctx context.Context, consoleID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT hutch_id FROM console_hutch_access WHERE console_id = ? ORDER BY hutch_id", consoleID)
	if err != nil {
		return nil, fmt.Errorf("getting console hutches: %w", err)
	}
	defer rows.Close()

	var hutchIDs []string
	for rows.Next() {
		var hutchID string
		if err := rows.Scan(&hutchID); err != nil {
			return nil, fmt.Errorf("scanning hutch ID: %w", err)
		}
		hutchIDs = append(hutchIDs, hutchID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hutch IDs: %w", err)
	}

	if hutchIDs == nil {
		hutchIDs = []string{}
	}
	return hutchIDs, nil
}

// scanConsole scans a console from a single row query.
func (r *SQLiteConsoleRepository) scanConsole(row *sql.Row) (*Console, error) {
	var c Console
	var lastSeen, createdBy sql.NullString
	var isActive int
	var createdAt string

	err := row.Scan(&c.ID, &c.Name, &c.TokenHash, &isActive,
		&lastSeen, &createdBy, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrConsoleNotFound
		}
		return nil, fmt.Errorf("scanning console: %w", err)
	}

	c.IsActive = isActive != 0
	if lastSeen.Valid {
		t, _ := time.Parse(time.RFC3339, lastSeen.String) //nolint:errcheck // format is controlled
		c.LastSeenAt = &t
	}
	if createdBy.Valid {
		c.CreatedBy = createdBy.String
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

	return &c, nil
}
