package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HutchAccessRepository defines the interface for user hutch access persistence.
type HutchAccessRepository interface {
	SetHutchAccess(ctx context.Context, userID string, grants []HutchAccessGrant, createdBy string) error
	GetHutchAccess(ctx context.Context, userID string) ([]HutchAccess, error)
	GetAccessibleHutchIDs(ctx context.Context, userID string) ([]string, error)
	GetPlanRunHutchIDs(ctx context.Context, userID string) ([]string, error)
	ClearHutchAccess(ctx context.Context, userID string) error
	ResolveHutchScope(ctx context.Context, userID string) (*HutchScope, error)
}

// HutchAccessGrant is the input for setting hutch access (used by API handlers).
type HutchAccessGrant struct {
	HutchID     string `json:"hutch_id"`
	CanRunPlans bool   `json:"can_run_plans"`
}

// SQLiteHutchAccessRepository implements HutchAccessRepository using SQLite.
type SQLiteHutchAccessRepository struct {
	db *sql.DB
}

// NewHutchAccessRepository creates a new SQLite-backed hutch access repository.
func NewHutchAccessRepository(db *sql.DB) *SQLiteHutchAccessRepository {
	return &SQLiteHutchAccessRepository{db: db}
}

// SetHutchAccess replaces all hutch access grants for a user.
// Pass an empty slice to revoke all hutch access (user becomes locked out).
func (r *SQLiteHutchAccessRepository) SetHutchAccess(ctx context.Context, userID string, grants []HutchAccessGrant, createdBy string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM user_hutch_access WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("clearing hutch access: %w", err)
	}

	for _, g := range grants {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO user_hutch_access (user_id, hutch_id, can_run_plans, created_by) VALUES (?, ?, ?, ?)",
			userID, g.HutchID, boolToInt(g.CanRunPlans), nullString(createdBy)); err != nil {
			return fmt.Errorf("granting hutch %s: %w", g.HutchID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing hutch access: %w", err)
	}
	return nil
}

// GetHutchAccess returns all hutch access grants for a user.
func (r *SQLiteHutchAccessRepository) GetHutchAccess(ctx context.Context, userID string) ([]HutchAccess, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, hutch_id, can_run_plans, created_by, created_at
		 FROM user_hutch_access WHERE user_id = ? ORDER BY hutch_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("getting hutch access: %w", err)
	}
	defer rows.Close()

	var access []HutchAccess
	for rows.Next() {
		var ha HutchAccess
		var canRun int
		var createdBy sql.NullString
		var createdAt string

		if err := rows.Scan(&ha.UserID, &ha.HutchID, &canRun, &createdBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning hutch access: %w", err)
		}

		ha.CanRunPlans = canRun != 0
		if createdBy.Valid {
			ha.CreatedBy = createdBy.String
		}
		ha.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

		access = append(access, ha)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hutch access: %w", err)
	}

	if access == nil {
		access = []HutchAccess{}
	}
	return access, nil
}

// GetAccessibleHutchIDs returns just the hutch IDs a user can access.
//
//nolint:dupl // structurally similar to GetPlanRunHutchIDs
func (r *SQLiteHutchAccessRepository) GetAccessibleHutchIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT hutch_id FROM user_hutch_access WHERE user_id = ? ORDER BY hutch_id", userID)
	if err != nil {
		return nil, fmt.Errorf("getting accessible hutches: %w", err)
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

// GetPlanRunHutchIDs returns hutch IDs where the user can submit plans.
//
//nolint:dupl // structurally similar to GetAccessibleHutchIDs
func (r *SQLiteHutchAccessRepository) GetPlanRunHutchIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT hutch_id FROM user_hutch_access WHERE user_id = ? AND can_run_plans = 1 ORDER BY hutch_id", userID)
	if err != nil {
		return nil, fmt.Errorf("getting plan-run hutches: %w", err)
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

// ClearHutchAccess removes all hutch access for a user (locks them out).
func (r *SQLiteHutchAccessRepository) ClearHutchAccess(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM user_hutch_access WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("clearing hutch access: %w", err)
	}
	return nil
}

// ResolveHutchScope builds a HutchScope for a user by querying their hutch access grants.
// Returns a HutchScope with the accessible hutch IDs and plan-run hutch IDs.
// For users with no grants, returns an empty HutchScope (no access).
func (r *SQLiteHutchAccessRepository) ResolveHutchScope(ctx context.Context, userID string) (*HutchScope, error) {
	access, err := r.GetHutchAccess(ctx, userID)
	if err != nil {
		return nil, err
	}

	scope := &HutchScope{}
	for _, ha := range access {
		scope.HutchIDs = append(scope.HutchIDs, ha.HutchID)
		if ha.CanRunPlans {
			scope.PlanRunHutchIDs = append(scope.PlanRunHutchIDs, ha.HutchID)
		}
	}

	if scope.HutchIDs == nil {
		scope.HutchIDs = []string{}
	}
	if scope.PlanRunHutchIDs == nil {
		scope.PlanRunHutchIDs = []string{}
	}

	return scope, nil
}
