package motorpos

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteRepository stores motor position snapshots in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open database with
// the motor_positions schema applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save persists a snapshot. The UID and SaveTime are generated if
// empty.
func (r *SQLiteRepository) Save(ctx context.Context, pos *MotorPosition) error {
	if len(pos.Motors) == 0 {
		return ErrNoMotors
	}
	if pos.UID == "" {
		pos.UID = uuid.NewString()
	}
	if pos.SaveTime.IsZero() {
		pos.SaveTime = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.ExecContext(ctx,
		`INSERT INTO motor_positions (uid, name, save_time) VALUES (?, ?, ?)`,
		pos.UID, pos.Name, pos.SaveTime.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting position %s: %w", pos.Name, err)
	}

	for i, axis := range pos.Motors {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO motor_position_axes (position_uid, ordinal, motor_name, readback, offset)
			 VALUES (?, ?, ?, ?, ?)`,
			pos.UID, i, axis.Name, axis.Readback, axis.Offset,
		)
		if err != nil {
			return fmt.Errorf("inserting axis %s: %w", axis.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing position: %w", err)
	}
	return nil
}

// Get fetches one snapshot by UID.
//
// Returns ErrPositionNotFound when no such snapshot exists.
func (r *SQLiteRepository) Get(ctx context.Context, uid string) (*MotorPosition, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT uid, name, save_time FROM motor_positions WHERE uid = ?`, uid)
	return r.scanPosition(ctx, row, uid)
}

// GetByName fetches the most recently saved snapshot with the given
// name.
//
// Returns ErrPositionNotFound when no snapshot has that name.
func (r *SQLiteRepository) GetByName(ctx context.Context, name string) (*MotorPosition, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT uid, name, save_time FROM motor_positions
		 WHERE name = ? ORDER BY save_time DESC, uid LIMIT 1`, name)
	return r.scanPosition(ctx, row, name)
}

// List returns all snapshots with their axes, most recent first.
func (r *SQLiteRepository) List(ctx context.Context) ([]MotorPosition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT uid, name, save_time FROM motor_positions ORDER BY save_time DESC, uid`)
	if err != nil {
		return nil, fmt.Errorf("querying positions: %w", err)
	}
	defer rows.Close()

	var positions []MotorPosition
	for rows.Next() {
		var pos MotorPosition
		var saveStr string
		if err := rows.Scan(&pos.UID, &pos.Name, &saveStr); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		pos.SaveTime, err = time.Parse(time.RFC3339Nano, saveStr)
		if err != nil {
			return nil, fmt.Errorf("parsing save time %q: %w", saveStr, err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating positions: %w", err)
	}

	for i := range positions {
		axes, err := r.loadAxes(ctx, positions[i].UID)
		if err != nil {
			return nil, err
		}
		positions[i].Motors = axes
	}
	return positions, nil
}

// Delete removes a snapshot and its axes.
//
// Returns ErrPositionNotFound when no such snapshot exists.
func (r *SQLiteRepository) Delete(ctx context.Context, uid string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM motor_positions WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("deleting position %s: %w", uid, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, uid)
	}
	return nil
}

func (r *SQLiteRepository) scanPosition(ctx context.Context, row *sql.Row, key string) (*MotorPosition, error) {
	var pos MotorPosition
	var saveStr string
	err := row.Scan(&pos.UID, &pos.Name, &saveStr)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("querying position %s: %w", key, err)
	}
	pos.SaveTime, err = time.Parse(time.RFC3339Nano, saveStr)
	if err != nil {
		return nil, fmt.Errorf("parsing save time %q: %w", saveStr, err)
	}
	pos.Motors, err = r.loadAxes(ctx, pos.UID)
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (r *SQLiteRepository) loadAxes(ctx context.Context, uid string) ([]MotorAxis, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT motor_name, readback, offset FROM motor_position_axes
		 WHERE position_uid = ? ORDER BY ordinal`, uid)
	if err != nil {
		return nil, fmt.Errorf("querying axes for %s: %w", uid, err)
	}
	defer rows.Close()

	var axes []MotorAxis
	for rows.Next() {
		var a MotorAxis
		if err := rows.Scan(&a.Name, &a.Readback, &a.Offset); err != nil {
			return nil, fmt.Errorf("scanning axis: %w", err)
		}
		axes = append(axes, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating axes: %w", err)
	}
	return axes, nil
}
