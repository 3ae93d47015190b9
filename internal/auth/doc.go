// Package auth provides authentication and authorisation for the beamline daemon.
//
// It implements a role model (console → observer → operator → admin → owner) with:
//   - Argon2id password hashing (OWASP 2025 recommendation)
//   - JWT access/refresh token rotation with family-based theft detection
//   - Multi-hutch console workstation identity for shared hutch terminals
//   - Explicit per-user hutch grants with per-hutch plan execution control
//   - Static role-permission mapping (compile-time, no database lookup)
//
// Hutch scoping uses a "zero access by default, grant explicitly" model:
// an observer or operator with no hutch assignments cannot access anything.
// Admin must deliberately grant access to specific hutches via
// user_hutch_access. Admin and owner roles bypass hutch scoping entirely.
package auth
