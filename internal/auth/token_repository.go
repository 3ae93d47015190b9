package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenRepository defines the interface for refresh token persistence.
// Tokens live in families: each login starts a family, each refresh
// rotates within it, and replay of a rotated token kills the family.
type TokenRepository interface {
	Create(ctx context.Context, token *RefreshToken) error
	GetByID(ctx context.Context, id string) (*RefreshToken, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	Revoke(ctx context.Context, id string) error
	RevokeFamily(ctx context.Context, familyID string) error
	RevokeAllForUser(ctx context.Context, userID string) error
	RotateRefreshToken(ctx context.Context, oldID string, newToken *RefreshToken) error
	ListActiveByUser(ctx context.Context, userID string) ([]RefreshToken, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// tokenColumns matches the scan order in scanToken.
const tokenColumns = "id, user_id, family_id, token_hash, device_info, expires_at, revoked, created_at"

// SQLiteTokenRepository implements TokenRepository using SQLite.
type SQLiteTokenRepository struct {
	db *sql.DB
}

// NewTokenRepository creates a new SQLite-backed token repository.
func NewTokenRepository(db *sql.DB) *SQLiteTokenRepository {
	return &SQLiteTokenRepository{db: db}
}

// HashToken computes the SHA-256 hash of a raw token string for storage.
// Raw tokens are never stored — only their hashes.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// execer covers both *sql.DB and *sql.Tx so inserts can run inside or
// outside the rotation transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertToken fills in generated fields and writes the token. Create
// and RotateRefreshToken share it.
func insertToken(ctx context.Context, ex execer, token *RefreshToken) error {
	if token.ID == "" {
		token.ID = "rt-" + uuid.NewString()[:16]
	}
	if token.FamilyID == "" {
		token.FamilyID = uuid.NewString()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	token.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	_, err := ex.ExecContext(ctx,
		"INSERT INTO refresh_tokens ("+tokenColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		token.ID, token.UserID, token.FamilyID, token.TokenHash,
		nullString(token.DeviceInfo),
		token.ExpiresAt.UTC().Format(time.RFC3339),
		boolToInt(token.Revoked), now,
	)
	if err != nil {
		return fmt.Errorf("storing refresh token: %w", err)
	}
	return nil
}

// scanToken reads one row in tokenColumns order.
func scanToken(s scanner) (*RefreshToken, error) {
	var t RefreshToken
	var deviceInfo sql.NullString
	var revoked int
	var expiresAt, createdAt string

	if err := s.Scan(&t.ID, &t.UserID, &t.FamilyID, &t.TokenHash, &deviceInfo,
		&expiresAt, &revoked, &createdAt); err != nil {
		return nil, err
	}

	t.Revoked = revoked != 0
	t.DeviceInfo = deviceInfo.String
	t.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	return &t, nil
}

// Create inserts a new refresh token. ID and family are generated when
// empty, so a bare token from a fresh login starts its own family.
func (r *SQLiteTokenRepository) Create(ctx context.Context, token *RefreshToken) error {
	return insertToken(ctx, r.db, token)
}

// GetByID retrieves a refresh token by its ID.
func (r *SQLiteTokenRepository) GetByID(ctx context.Context, id string) (*RefreshToken, error) {
	return r.getToken(ctx, "id", id)
}

// GetByTokenHash retrieves a refresh token by its SHA-256 hash. This is
// the refresh/logout path, where the client holds only the raw token.
func (r *SQLiteTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	return r.getToken(ctx, "token_hash", tokenHash)
}

func (r *SQLiteTokenRepository) getToken(ctx context.Context, column string, arg any) (*RefreshToken, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+tokenColumns+" FROM refresh_tokens WHERE "+column+" = ?", arg)

	t, err := scanToken(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("getting refresh token: %w", err)
	}
	return t, nil
}

// Revoke marks a single refresh token as revoked.
func (r *SQLiteTokenRepository) Revoke(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked = 1 WHERE id = ?", id); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

// RevokeFamily marks all tokens in a family as revoked.
// This is the theft response: reuse of an already-rotated token means
// someone else holds a copy, so the whole lineage dies.
func (r *SQLiteTokenRepository) RevokeFamily(ctx context.Context, familyID string) error {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked = 1 WHERE family_id = ?", familyID); err != nil {
		return fmt.Errorf("revoking token family: %w", err)
	}
	return nil
}

// RevokeAllForUser marks all refresh tokens for a user as revoked.
// Used on password change and admin force-logout.
func (r *SQLiteTokenRepository) RevokeAllForUser(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked = 1 WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("revoking all tokens for user: %w", err)
	}
	return nil
}

// RotateRefreshToken atomically revokes the old token and creates a new one
// in the same family. This prevents TOCTOU races during token refresh.
func (r *SQLiteTokenRepository) RotateRefreshToken(ctx context.Context, oldID string, newToken *RefreshToken) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rotation transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	if _, err := tx.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked = 1 WHERE id = ?", oldID); err != nil {
		return fmt.Errorf("revoking old token: %w", err)
	}

	if err := insertToken(ctx, tx, newToken); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rotation: %w", err)
	}
	return nil
}

// ListActiveByUser returns all non-revoked, non-expired tokens for a
// user, newest first. Backs the session list in the console.
func (r *SQLiteTokenRepository) ListActiveByUser(ctx context.Context, userID string) ([]RefreshToken, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+tokenColumns+` FROM refresh_tokens
		 WHERE user_id = ? AND revoked = 0 AND expires_at > ?
		 ORDER BY created_at DESC`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("listing active tokens: %w", err)
	}
	defer rows.Close()

	tokens := []RefreshToken{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		tokens = append(tokens, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tokens: %w", err)
	}
	return tokens, nil
}

// DeleteExpired removes tokens past their expiry, returning the number
// deleted. Revoked-but-unexpired rows stay for the theft check.
func (r *SQLiteTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}
