package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apsidal/beamline-core/internal/audit"
	"github.com/apsidal/beamline-core/internal/auth"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenResponse is the response body for login and refresh.
type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	Role         auth.Role `json:"role"`
}

// handleLogin authenticates a user against the account store and
// issues an access token plus a rotating refresh token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.users == nil || s.tokens == nil {
		writeUnavailable(w, "user accounts are not configured")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if !auth.IsValidUsername(req.Username) {
		writeUnauthorized(w, "invalid credentials")
		return
	}

	ctx := r.Context()
	user, err := s.users.GetByUsername(ctx, req.Username)
	if err != nil {
		// Burn a verification anyway so missing users cost the same as
		// wrong passwords.
		_, _ = auth.VerifyPassword(req.Password, "") //nolint:errcheck // timing equalisation only
		s.auditLog(audit.ActionLoginFailed, "user", "", req.Username, nil)
		writeUnauthorized(w, "invalid credentials")
		return
	}
	if !user.IsActive {
		s.auditLog(audit.ActionLoginFailed, "user", user.ID, user.Username, nil)
		writeUnauthorized(w, "invalid credentials")
		return
	}

	ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		s.auditLog(audit.ActionLoginFailed, "user", user.ID, user.Username, nil)
		writeUnauthorized(w, "invalid credentials")
		return
	}

	resp, err := s.issueTokens(ctx, user, uuid.NewString(), r.UserAgent())
	if err != nil {
		s.logger.Error("token issue failed", "user", user.Username, "error", err)
		writeInternalError(w, "failed to generate tokens")
		return
	}

	s.auditLog(audit.ActionLogin, "user", user.ID, user.ID, nil)
	writeJSON(w, http.StatusOK, resp)
}

// refreshRequest is the request body for POST /auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh rotates a refresh token and issues a new access token.
// Reuse of an already-rotated token revokes the whole token family.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.users == nil || s.tokens == nil {
		writeUnavailable(w, "user accounts are not configured")
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeBadRequest(w, "refresh_token is required")
		return
	}

	ctx := r.Context()
	stored, err := s.tokens.GetByTokenHash(ctx, auth.HashToken(req.RefreshToken))
	if err != nil {
		writeUnauthorized(w, "invalid refresh token")
		return
	}
	if stored.Revoked {
		// Token reuse: someone replayed a rotated token. Kill the family.
		if err := s.tokens.RevokeFamily(ctx, stored.FamilyID); err != nil {
			s.logger.Error("revoking token family failed", "family", stored.FamilyID, "error", err)
		}
		s.logger.Warn("refresh token reuse detected", "user_id", stored.UserID, "family", stored.FamilyID)
		writeUnauthorized(w, "invalid refresh token")
		return
	}
	if time.Now().After(stored.ExpiresAt) {
		writeUnauthorized(w, "refresh token expired")
		return
	}

	user, err := s.users.GetByID(ctx, stored.UserID)
	if err != nil || !user.IsActive {
		writeUnauthorized(w, "invalid refresh token")
		return
	}

	resp, err := s.rotateTokens(ctx, user, stored, r.UserAgent())
	if err != nil {
		s.logger.Error("token rotation failed", "user", user.Username, "error", err)
		writeInternalError(w, "failed to rotate tokens")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLogout revokes every refresh token belonging to the caller.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	if ident.UserID == "" || s.tokens == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if err := s.tokens.RevokeAllForUser(r.Context(), ident.UserID); err != nil {
		s.logger.Error("logout revocation failed", "user_id", ident.UserID, "error", err)
		writeInternalError(w, "failed to revoke sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMe returns the authenticated caller's account and permissions.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())

	if ident.ConsoleID != "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"console_id":  ident.ConsoleID,
			"role":        ident.Role,
			"permissions": []auth.Permission{}, // consoles use the fixed console set
		})
		return
	}

	if s.users == nil {
		writeUnavailable(w, "user accounts are not configured")
		return
	}
	user, err := s.users.GetByID(r.Context(), ident.UserID)
	if err != nil {
		writeNotFound(w, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        user,
		"permissions": auth.PermissionsForRole(user.Role),
	})
}

// issueTokens creates a fresh access/refresh pair in a new family.
func (s *Server) issueTokens(ctx context.Context, user *auth.User, familyID, deviceInfo string) (*tokenResponse, error) {
	access, err := auth.GenerateAccessToken(user, s.secCfg.JWT.Secret, s.secCfg.JWT.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	raw, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	refresh := &auth.RefreshToken{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		FamilyID:   familyID,
		TokenHash:  auth.HashToken(raw),
		DeviceInfo: deviceInfo,
		ExpiresAt:  time.Now().Add(time.Duration(s.refreshTTLMinutes()) * time.Minute),
	}
	if err := s.tokens.Create(ctx, refresh); err != nil {
		return nil, err
	}

	return &tokenResponse{
		AccessToken:  access,
		RefreshToken: raw,
		TokenType:    "Bearer",
		ExpiresIn:    s.accessTTLMinutes() * 60,
		Role:         user.Role,
	}, nil
}

// rotateTokens replaces one refresh token with its successor in the
// same family and issues a matching access token.
func (s *Server) rotateTokens(ctx context.Context, user *auth.User, old *auth.RefreshToken, deviceInfo string) (*tokenResponse, error) {
	access, err := auth.GenerateAccessToken(user, s.secCfg.JWT.Secret, s.secCfg.JWT.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	raw, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	next := &auth.RefreshToken{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		FamilyID:   old.FamilyID,
		TokenHash:  auth.HashToken(raw),
		DeviceInfo: deviceInfo,
		ExpiresAt:  time.Now().Add(time.Duration(s.refreshTTLMinutes()) * time.Minute),
	}
	if err := s.tokens.RotateRefreshToken(ctx, old.ID, next); err != nil {
		return nil, err
	}

	return &tokenResponse{
		AccessToken:  access,
		RefreshToken: raw,
		TokenType:    "Bearer",
		ExpiresIn:    s.accessTTLMinutes() * 60,
		Role:         user.Role,
	}, nil
}

func (s *Server) accessTTLMinutes() int {
	if s.secCfg.JWT.AccessTokenTTL > 0 {
		return s.secCfg.JWT.AccessTokenTTL
	}
	return 15
}

func (s *Server) refreshTTLMinutes() int {
	if s.secCfg.JWT.RefreshTokenTTL > 0 {
		return s.secCfg.JWT.RefreshTokenTTL
	}
	return 24 * 60
}

// ─── WebSocket tickets ──────────────────────────────────────────────

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	tickets map[string]ticketEntry
	mu      sync.Mutex
}

type ticketEntry struct {
	identity  Identity
	expiresAt time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketEntry)}
}

// handleWSTicket generates a single-use WebSocket authentication ticket
// bound to the caller's identity. The client uses this ticket to
// authenticate the WebSocket connection without exposing the JWT in
// the URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket := generateTicket()

	s.tickets.mu.Lock()
	s.tickets.tickets[ticket] = ticketEntry{
		identity:  identityFrom(r.Context()),
		expiresAt: time.Now().Add(ticketTTL),
	}
	s.tickets.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// consume checks if a ticket is valid, removes it (single-use), and
// returns the identity it was issued to.
func (ts *ticketStore) consume(ticket string) (Identity, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entry, ok := ts.tickets[ticket]
	if !ok {
		return Identity{}, false
	}
	delete(ts.tickets, ticket)

	if time.Now().After(entry.expiresAt) {
		return Identity{}, false
	}
	return entry.identity, true
}

// cleanLoop removes expired tickets periodically until the context is
// cancelled.
func (ts *ticketStore) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.mu.Lock()
			now := time.Now()
			for ticket, entry := range ts.tickets {
				if now.After(entry.expiresAt) {
					delete(ts.tickets, ticket)
				}
			}
			ts.mu.Unlock()
		}
	}
}

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// generateTicket creates a cryptographically random ticket string.
func generateTicket() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}
