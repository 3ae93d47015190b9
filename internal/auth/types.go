package auth

import (
	"errors"
	"regexp"
	"time"
)

// usernamePattern defines the valid format for usernames:
// alphanumeric, dots, hyphens, underscores, 1-64 characters.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// maxUsernameLength is the maximum allowed username length.
const maxUsernameLength = 64

// IsValidUsername checks if a username meets format requirements.
// Usernames must be 1-64 characters, alphanumeric with dots, hyphens, underscores.
func IsValidUsername(username string) bool {
	return len(username) <= maxUsernameLength && usernamePattern.MatchString(username)
}

// Role represents an authorisation tier in the system.
type Role string

const (
	// RoleConsole is a shared hutch workstation identity (not a user account).
	// Scoped to assigned hutches. Authenticates by token, no login required.
	RoleConsole Role = "console"

	// RoleObserver can watch live readings and browse the run catalog
	// in granted hutches, but cannot move anything. Visiting scientists
	// reviewing data, remote collaborators.
	RoleObserver Role = "observer"

	// RoleOperator can move motors, open shutters, and run plans in
	// granted hutches. Zero hutch assignments = no access.
	RoleOperator Role = "operator"

	// RoleAdmin has full beamline control: devices, plans, users, consoles,
	// commissioning imports. Beamline scientist or controls engineer.
	// Bypasses hutch scoping.
	RoleAdmin Role = "admin"

	// RoleOwner has everything admin can do plus destructive catalog
	// operations and managing other owners. Emergency-only — credentials
	// belong with the floor coordinator, not in daily use.
	RoleOwner Role = "owner"
)

// ValidRoles is the set of valid user roles (excludes console — consoles are not users).
var ValidRoles = []Role{RoleObserver, RoleOperator, RoleAdmin, RoleOwner}

// IsValidUserRole returns true if the role is a valid role for a user account.
func IsValidUserRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// User represents an authenticated human account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"` // never serialised
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RefreshToken represents a stored refresh token for session management.
type RefreshToken struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	FamilyID   string    `json:"family_id"`
	TokenHash  string    `json:"-"` // never serialised
	DeviceInfo string    `json:"device_info,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
	CreatedAt  time.Time `json:"created_at"`
}

// Console represents a shared hutch workstation identity.
type Console struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	TokenHash  string     `json:"-"` // never serialised
	IsActive   bool       `json:"is_active"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// HutchAccess represents a user's access grant to a specific hutch.
type HutchAccess struct {
	UserID      string    `json:"user_id"`
	HutchID     string    `json:"hutch_id"`
	CanRunPlans bool      `json:"can_run_plans"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConsoleHutchAccess represents a console's access grant to a specific hutch.
type ConsoleHutchAccess struct {
	ConsoleID string    `json:"console_id"`
	HutchID   string    `json:"hutch_id"`
	CreatedAt time.Time `json:"created_at"`
}

// HutchScope holds the resolved hutch access for a user request context.
// A nil HutchScope means unrestricted access (admin/owner).
type HutchScope struct {
	// HutchIDs is the list of hutches the user can access (read signals, operate devices).
	HutchIDs []string

	// PlanRunHutchIDs is the subset of HutchIDs where the user can submit and abort plans.
	PlanRunHutchIDs []string
}

// CanAccessHutch returns true if the hutch is in the scope's accessible hutches.
func (hs *HutchScope) CanAccessHutch(hutchID string) bool {
	if hs == nil {
		return true // unrestricted
	}
	for _, id := range hs.HutchIDs {
		if id == hutchID {
			return true
		}
	}
	return false
}

// CanRunPlansInHutch returns true if the user can submit plans in the given hutch.
func (hs *HutchScope) CanRunPlansInHutch(hutchID string) bool {
	if hs == nil {
		return true // unrestricted
	}
	for _, id := range hs.PlanRunHutchIDs {
		if id == hutchID {
			return true
		}
	}
	return false
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserInactive       = errors.New("user account is inactive")
	ErrUsernameExists     = errors.New("username already exists")
	ErrTokenExpired       = errors.New("token has expired")
	ErrTokenRevoked       = errors.New("token has been revoked")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrTokenReuse         = errors.New("refresh token reuse detected")
	ErrConsoleNotFound    = errors.New("console not found")
	ErrConsoleInactive    = errors.New("console is inactive")
	ErrForbidden          = errors.New("insufficient permissions")
	ErrSelfModification   = errors.New("cannot modify own account in this way")
)
