package facility

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Repository defines the interface for facility persistence operations.
type Repository interface {
	CreateHutch(ctx context.Context, h *Hutch) error
	ListHutches(ctx context.Context) ([]Hutch, error)
	GetHutch(ctx context.Context, id string) (*Hutch, error)
	UpdateHutch(ctx context.Context, h *Hutch) error
	DeleteHutch(ctx context.Context, id string) error

	CreateEndstation(ctx context.Context, e *Endstation) error
	ListEndstations(ctx context.Context) ([]Endstation, error)
	ListEndstationsByHutch(ctx context.Context, hutchID string) ([]Endstation, error)
	GetEndstation(ctx context.Context, id string) (*Endstation, error)
	UpdateEndstation(ctx context.Context, e *Endstation) error
	DeleteEndstation(ctx context.Context, id string) error

	// Facility operations (single-row table — one facility per deployment).
	GetFacility(ctx context.Context) (*Facility, error)
	CreateFacility(ctx context.Context, f *Facility) error
	UpdateFacility(ctx context.Context, f *Facility) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed facility repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// CreateHutch inserts a new hutch into the database.
func (r *SQLiteRepository) CreateHutch(ctx context.Context, h *Hutch) error {
	const query = `INSERT INTO hutches (id, facility_id, name, slug, type, sort_order)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		h.ID, h.FacilityID, h.Name, h.Slug, h.Type, h.SortOrder)
	if err != nil {
		return fmt.Errorf("inserting hutch %s: %w", h.ID, err)
	}
	return nil
}

// CreateEndstation inserts a new endstation into the database.
func (r *SQLiteRepository) CreateEndstation(ctx context.Context, e *Endstation) error {
	const query = `INSERT INTO endstations (id, hutch_id, name, slug, type, sort_order,
		devices, settings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.HutchID, e.Name, e.Slug, e.Type, e.SortOrder,
		marshalDevices(e.Devices), marshalSettings(e.Settings))
	if err != nil {
		return fmt.Errorf("inserting endstation %s: %w", e.ID, err)
	}
	return nil
}

// ListHutches returns all hutches ordered downstream (sort_order, name).
func (r *SQLiteRepository) ListHutches(ctx context.Context) ([]Hutch, error) {
	const query = `SELECT id, facility_id, name, slug, type, sort_order, created_at, updated_at
		FROM hutches ORDER BY sort_order, name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying hutches: %w", err)
	}
	defer rows.Close()

	var hutches []Hutch
	for rows.Next() {
		var h Hutch
		var createdAt, updatedAt string
		if err := rows.Scan(&h.ID, &h.FacilityID, &h.Name, &h.Slug, &h.Type,
			&h.SortOrder, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning hutch row: %w", err)
		}
		h.CreatedAt = parseTime(createdAt)
		h.UpdatedAt = parseTime(updatedAt)
		hutches = append(hutches, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hutch rows: %w", err)
	}
	return hutches, nil
}

// GetHutch returns a single hutch by ID.
func (r *SQLiteRepository) GetHutch(ctx context.Context, id string) (*Hutch, error) {
	const query = `SELECT id, facility_id, name, slug, type, sort_order, created_at, updated_at
		FROM hutches WHERE id = ?`

	var h Hutch
	var createdAt, updatedAt string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&h.ID, &h.FacilityID,
		&h.Name, &h.Slug, &h.Type, &h.SortOrder, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrHutchNotFound
		}
		return nil, fmt.Errorf("scanning hutch: %w", err)
	}
	h.CreatedAt = parseTime(createdAt)
	h.UpdatedAt = parseTime(updatedAt)
	return &h, nil
}

// UpdateHutch updates an existing hutch record.
func (r *SQLiteRepository) UpdateHutch(ctx context.Context, h *Hutch) error {
	const query = `UPDATE hutches SET name = ?, slug = ?, type = ?, sort_order = ?,
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query,
		h.Name, h.Slug, h.Type, h.SortOrder, h.ID)
	if err != nil {
		return fmt.Errorf("updating hutch %s: %w", h.ID, err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // SQLite always supports RowsAffected
	if n == 0 {
		return ErrHutchNotFound
	}
	return nil
}

// DeleteHutch removes a single hutch by ID.
// Returns ErrHutchNotFound if the hutch does not exist.
// Returns ErrHutchHasEndstations if endstations still reference this hutch.
func (r *SQLiteRepository) DeleteHutch(ctx context.Context, id string) error {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM endstations WHERE hutch_id = ?", id).Scan(&count); err != nil {
		return fmt.Errorf("counting endstations for hutch %s: %w", id, err)
	}
	if count > 0 {
		return ErrHutchHasEndstations
	}

	result, err := r.db.ExecContext(ctx, "DELETE FROM hutches WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting hutch %s: %w", id, err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // SQLite always supports RowsAffected
	if n == 0 {
		return ErrHutchNotFound
	}
	return nil
}

// ListEndstations returns all endstations ordered by sort_order then name.
func (r *SQLiteRepository) ListEndstations(ctx context.Context) ([]Endstation, error) {
	const query = `SELECT id, hutch_id, name, slug, type, sort_order,
		devices, settings, created_at, updated_at
		FROM endstations ORDER BY sort_order, name`
	return r.queryEndstations(ctx, query)
}

// ListEndstationsByHutch returns endstations for a specific hutch.
func (r *SQLiteRepository) ListEndstationsByHutch(ctx context.Context, hutchID string) ([]Endstation, error) {
	const query = `SELECT id, hutch_id, name, slug, type, sort_order,
		devices, settings, created_at, updated_at
		FROM endstations WHERE hutch_id = ? ORDER BY sort_order, name`
	return r.queryEndstations(ctx, query, hutchID)
}

// GetEndstation returns a single endstation by ID.
func (r *SQLiteRepository) GetEndstation(ctx context.Context, id string) (*Endstation, error) {
	const query = `SELECT id, hutch_id, name, slug, type, sort_order,
		devices, settings, created_at, updated_at
		FROM endstations WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	e, err := scanEndstation(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrEndstationNotFound
		}
		return nil, fmt.Errorf("scanning endstation: %w", err)
	}
	return e, nil
}

// queryEndstations executes a query and returns a slice of Endstation.
func (r *SQLiteRepository) queryEndstations(ctx context.Context, query string, args ...any) ([]Endstation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying endstations: %w", err)
	}
	defer rows.Close()

	var endstations []Endstation
	for rows.Next() {
		e, err := scanEndstation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning endstation row: %w", err)
		}
		endstations = append(endstations, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating endstation rows: %w", err)
	}
	return endstations, nil
}

// scanEndstation scans one endstation row via the given Scan function.
func scanEndstation(scan func(...any) error) (*Endstation, error) {
	var e Endstation
	var devicesJSON, settingsJSON string
	var createdAt, updatedAt string

	err := scan(&e.ID, &e.HutchID, &e.Name, &e.Slug, &e.Type, &e.SortOrder,
		&devicesJSON, &settingsJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.Devices = parseDevices(devicesJSON)
	e.Settings = parseSettings(settingsJSON)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

// UpdateEndstation updates an existing endstation record.
func (r *SQLiteRepository) UpdateEndstation(ctx context.Context, e *Endstation) error {
	const query = `UPDATE endstations SET name = ?, slug = ?, type = ?, sort_order = ?,
		hutch_id = ?, devices = ?, settings = ?,
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query,
		e.Name, e.Slug, e.Type, e.SortOrder,
		e.HutchID, marshalDevices(e.Devices), marshalSettings(e.Settings), e.ID)
	if err != nil {
		return fmt.Errorf("updating endstation %s: %w", e.ID, err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // SQLite always supports RowsAffected
	if n == 0 {
		return ErrEndstationNotFound
	}
	return nil
}

// DeleteEndstation removes a single endstation by ID.
// Returns ErrEndstationNotFound if the endstation does not exist.
func (r *SQLiteRepository) DeleteEndstation(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM endstations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting endstation %s: %w", id, err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // SQLite always supports RowsAffected
	if n == 0 {
		return ErrEndstationNotFound
	}
	return nil
}

// GetFacility returns the facility record, or ErrFacilityNotFound if none exists.
func (r *SQLiteRepository) GetFacility(ctx context.Context) (*Facility, error) {
	const query = `SELECT id, name, slug, beamline, source, timezone, settings,
		created_at, updated_at
		FROM facilities LIMIT 1`

	var f Facility
	var source sql.NullString
	var settingsJSON string
	var createdAt, updatedAt string

	err := r.db.QueryRowContext(ctx, query).Scan(&f.ID, &f.Name, &f.Slug,
		&f.Beamline, &source, &f.Timezone, &settingsJSON, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrFacilityNotFound
		}
		return nil, fmt.Errorf("scanning facility: %w", err)
	}

	if source.Valid {
		f.Source = source.String
	}
	f.Settings = parseSettings(settingsJSON)
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	return &f, nil
}

// CreateFacility inserts the facility record.
func (r *SQLiteRepository) CreateFacility(ctx context.Context, f *Facility) error {
	const query = `INSERT INTO facilities (id, name, slug, beamline, source, timezone, settings)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		f.ID, f.Name, f.Slug, f.Beamline, f.Source, f.Timezone,
		marshalSettings(f.Settings))
	if err != nil {
		return fmt.Errorf("inserting facility %s: %w", f.ID, err)
	}
	return nil
}

// UpdateFacility updates the facility record.
func (r *SQLiteRepository) UpdateFacility(ctx context.Context, f *Facility) error {
	const query = `UPDATE facilities SET name = ?, slug = ?, beamline = ?,
		source = ?, timezone = ?, settings = ?,
		updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query,
		f.Name, f.Slug, f.Beamline, f.Source, f.Timezone,
		marshalSettings(f.Settings), f.ID)
	if err != nil {
		return fmt.Errorf("updating facility %s: %w", f.ID, err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // SQLite always supports RowsAffected
	if n == 0 {
		return ErrFacilityNotFound
	}
	return nil
}

// marshalSettings serializes a Settings map, defaulting to "{}".
func marshalSettings(s Settings) string {
	if s == nil {
		return "{}"
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// marshalDevices serializes a device name list, defaulting to "[]".
func marshalDevices(devices []string) string {
	if devices == nil {
		return "[]"
	}
	b, err := json.Marshal(devices)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// parseDevices deserializes a JSON device name list.
func parseDevices(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var devices []string
	if err := json.Unmarshal([]byte(s), &devices); err != nil {
		return nil
	}
	return devices
}

// parseSettings deserializes a JSON string into a Settings map.
func parseSettings(s string) Settings {
	if s == "" || s == "{}" {
		return Settings{}
	}
	var m Settings
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Settings{}
	}
	return m
}

// parseTime parses an ISO 8601 timestamp from SQLite.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// Try the SQLite default format without timezone.
		t, err = time.Parse("2006-01-02T15:04:05Z", s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}
