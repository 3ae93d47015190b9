package console

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Summary is one row of the console list: identity without the full
// layout document.
type Summary struct {
	Name      string    `json:"name"`
	Title     string    `json:"title,omitempty"`
	Hutch     string    `json:"hutch,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SQLiteRepository stores console layouts in SQLite.
//
// The layout is persisted as its canonical YAML text so the document an
// operator authored round-trips byte-for-byte through export.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed console repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save validates and upserts a layout, keyed by its name.
func (r *SQLiteRepository) Save(ctx context.Context, l *Layout) error {
	if err := ValidateLayout(l); err != nil {
		return err
	}
	doc, err := l.EncodeYAML()
	if err != nil {
		return err
	}

	const query = `INSERT INTO console_layouts (name, title, hutch, layout)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			title = excluded.title,
			hutch = excluded.hutch,
			layout = excluded.layout,
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`
	if _, err := r.db.ExecContext(ctx, query, l.Name, l.Title, l.Hutch, string(doc)); err != nil {
		return fmt.Errorf("console: saving layout %q: %w", l.Name, err)
	}
	return nil
}

// Get returns a layout by name.
func (r *SQLiteRepository) Get(ctx context.Context, name string) (*Layout, error) {
	doc, err := r.GetRaw(ctx, name)
	if err != nil {
		return nil, err
	}
	return ParseLayout(doc)
}

// GetRaw returns the stored YAML document for a console.
func (r *SQLiteRepository) GetRaw(ctx context.Context, name string) ([]byte, error) {
	const query = `SELECT layout FROM console_layouts WHERE name = ?`

	var doc string
	err := r.db.QueryRowContext(ctx, query, name).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrConsoleNotFound
		}
		return nil, fmt.Errorf("console: loading layout %q: %w", name, err)
	}
	return []byte(doc), nil
}

// List returns summaries for all stored consoles, ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Summary, error) {
	const query = `SELECT name, title, hutch, updated_at FROM console_layouts ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("console: listing layouts: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var s Summary
		var updatedAt string
		if err := rows.Scan(&s.Name, &s.Title, &s.Hutch, &updatedAt); err != nil {
			return nil, fmt.Errorf("console: scanning layout row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			s.UpdatedAt = t
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("console: iterating layout rows: %w", err)
	}
	return summaries, nil
}

// Delete removes a console by name.
// Returns ErrConsoleNotFound if no console has that name.
func (r *SQLiteRepository) Delete(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM console_layouts WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("console: deleting layout %q: %w", name, err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // SQLite always supports RowsAffected
	if n == 0 {
		return ErrConsoleNotFound
	}
	return nil
}
