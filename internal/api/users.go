package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apsidal/beamline-core/internal/auth"
)

// ─── Request/Response Types ────────────────────────────────────────

type createUserRequest struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	Password    string    `json:"password"`
	Role        auth.Role `json:"role"`
}

type updateUserRequest struct {
	DisplayName *string    `json:"display_name,omitempty"`
	Email       *string    `json:"email,omitempty"`
	Role        *auth.Role `json:"role,omitempty"`
	IsActive    *bool      `json:"is_active,omitempty"`
}

type setHutchAccessRequest struct {
	Hutches []auth.HutchAccessGrant `json:"hutches"`
}

// ─── Handlers ──────────────────────────────────────────────────────

// handleListUsers returns all user accounts.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		writeUnavailable(w, "user store is not configured")
		return
	}

	users, err := s.users.List(r.Context())
	if err != nil {
		s.logger.Error("list users failed", "error", err)
		writeInternalError(w, "failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// handleCreateUser creates a new user account.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) { //nolint:gocognit // user creation: validation + permission checks + password hashing pipeline
	if s.users == nil {
		writeUnavailable(w, "user store is not configured")
		return
	}

	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if req.Username == "" || req.Password == "" || req.DisplayName == "" {
		writeBadRequest(w, "username, password, and display_name are required")
		return
	}

	if !auth.IsValidUsername(req.Username) {
		writeBadRequest(w, "username must be 1-64 characters, alphanumeric with . - _")
		return
	}

	if len(req.Password) < 8 { //nolint:mnd // minimum password length
		writeBadRequest(w, "password must be at least 8 characters")
		return
	}

	if req.Role == "" {
		req.Role = auth.RoleObserver
	}

	if !auth.IsValidUserRole(req.Role) {
		writeBadRequest(w, "invalid role: must be observer, operator, admin, or owner")
		return
	}

	// Only owners can create owner accounts
	ident := identityFrom(r.Context())
	if req.Role == auth.RoleOwner && !auth.HasPermission(ident.Role, auth.PermUserManageAll) {
		writeForbidden(w, "only owners can create owner accounts")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("hash password failed", "error", err)
		writeInternalError(w, "failed to create user")
		return
	}

	user := &auth.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         req.Role,
		IsActive:     true,
		CreatedBy:    ident.UserID,
	}

	if err := s.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, auth.ErrUsernameExists) {
			writeConflict(w, "username already exists")
			return
		}
		s.logger.Error("create user failed", "error", err)
		writeInternalError(w, "failed to create user")
		return
	}

	s.logger.Info("user created", "user_id", user.ID, "username", user.Username, "role", user.Role, "created_by", ident.UserID)
	s.auditLog("user.create", "user", user.ID, ident.UserID, map[string]any{
		"username": user.Username,
		"role":     user.Role,
	})

	writeJSON(w, http.StatusCreated, user)
}

// handleGetUser returns a single user by ID.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		writeUnavailable(w, "user store is not configured")
		return
	}

	id := chi.URLParam(r, "id")

	user, err := s.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return
		}
		s.logger.Error("get user failed", "error", err)
		writeInternalError(w, "failed to get user")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// handleUpdateUser modifies a user's mutable fields.
func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) { //nolint:gocognit,gocyclo // user update: field patching + self-protection + role escalation guards
	if s.users == nil {
		writeUnavailable(w, "user store is not configured")
		return
	}

	id := chi.URLParam(r, "id")
	ident := identityFrom(r.Context())

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	user, err := s.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return
		}
		s.logger.Error("get user for update failed", "error", err)
		writeInternalError(w, "failed to update user")
		return
	}

	// Self-protection: cannot deactivate yourself
	if req.IsActive != nil && !*req.IsActive && id == ident.UserID {
		writeForbidden(w, "cannot deactivate your own account")
		return
	}

	// Self-protection: cannot demote yourself
	if req.Role != nil && id == ident.UserID && *req.Role != ident.Role {
		writeForbidden(w, "cannot change your own role")
		return
	}

	// Only owners can modify owner accounts or promote to owner
	if user.Role == auth.RoleOwner && !auth.HasPermission(ident.Role, auth.PermUserManageAll) {
		writeForbidden(w, "only owners can modify owner accounts")
		return
	}
	if req.Role != nil && *req.Role == auth.RoleOwner && !auth.HasPermission(ident.Role, auth.PermUserManageAll) {
		writeForbidden(w, "only owners can promote users to owner")
		return
	}

	if req.Role != nil && !auth.IsValidUserRole(*req.Role) {
		writeBadRequest(w, "invalid role: must be observer, operator, admin, or owner")
		return
	}

	// Apply patches
	if req.DisplayName != nil {
		user.DisplayName = *req.DisplayName
	}
	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.Role != nil {
		user.Role = *req.Role
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}

	if err := s.users.Update(r.Context(), user); err != nil {
		s.logger.Error("update user failed", "error", err)
		writeInternalError(w, "failed to update user")
		return
	}

	s.logger.Info("user updated", "user_id", id, "updated_by", ident.UserID)
	s.auditLog("user.update", "user", id, ident.UserID, nil)

	writeJSON(w, http.StatusOK, user)
}

// handleDeleteUser removes a user account.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		writeUnavailable(w, "user store is not configured")
		return
	}

	id := chi.URLParam(r, "id")
	ident := identityFrom(r.Context())

	// Cannot delete yourself
	if id == ident.UserID {
		writeForbidden(w, "cannot delete your own account")
		return
	}

	// Check the target user exists and check permissions
	user, err := s.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return
		}
		s.logger.Error("get user for delete failed", "error", err)
		writeInternalError(w, "failed to delete user")
		return
	}

	// Only owners can delete owner accounts
	if user.Role == auth.RoleOwner && !auth.HasPermission(ident.Role, auth.PermUserManageAll) {
		writeForbidden(w, "only owners can delete owner accounts")
		return
	}

	if err := s.users.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete user failed", "error", err)
		writeInternalError(w, "failed to delete user")
		return
	}

	// Revoke all sessions
	if s.tokens != nil {
		if err := s.tokens.RevokeAllForUser(r.Context(), id); err != nil {
			s.logger.Error("revoke sessions after delete failed", "error", err)
		}
	}

	s.logger.Info("user deleted", "user_id", id, "deleted_by", ident.UserID)
	s.auditLog("user.delete", "user", id, ident.UserID, map[string]any{
		"username": user.Username,
	})

	w.WriteHeader(http.StatusNoContent)
}

// handleSetUserHutches replaces all hutch access grants for a user.
// Empty array = revoke all hutch access (a scoped user becomes locked out).
func (s *Server) handleSetUserHutches(w http.ResponseWriter, r *http.Request) {
	if s.users == nil || s.hutchAccess == nil {
		writeUnavailable(w, "user store is not configured")
		return
	}

	id := chi.URLParam(r, "id")
	ident := identityFrom(r.Context())

	var req setHutchAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	// Verify user exists
	if _, err := s.users.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return
		}
		s.logger.Error("get user for hutch access failed", "error", err)
		writeInternalError(w, "failed to set hutch access")
		return
	}

	if err := s.hutchAccess.SetHutchAccess(r.Context(), id, req.Hutches, ident.UserID); err != nil {
		s.logger.Error("set user hutches failed", "error", err)
		writeInternalError(w, "failed to set hutch access")
		return
	}

	s.logger.Info("user hutch access updated", "user_id", id, "hutch_count", len(req.Hutches), "updated_by", ident.UserID)
	s.auditLog("user.hutch_access", "user", id, ident.UserID, map[string]any{
		"hutch_count": len(req.Hutches),
	})

	// Return the updated access
	access, err := s.hutchAccess.GetHutchAccess(r.Context(), id)
	if err != nil {
		s.logger.Error("get updated hutch access failed", "error", err)
		writeInternalError(w, "hutch access updated but failed to retrieve")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hutches": access,
		"count":   len(access),
	})
}
