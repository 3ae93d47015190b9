package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// seedPasswordBytes of entropy go into the generated owner password.
// Hex-encoded that is a 32-character string, long enough that nobody is
// tempted to keep it.
const seedPasswordBytes = 16

// SeedOwner creates the initial owner account when the daemon boots
// against an empty user table, which is the state after first install
// at a new beamline. The generated password is logged and returned so
// beamlined can print it once; it must be changed immediately.
// Returns the generated password (empty string if seeding was skipped).
func SeedOwner(ctx context.Context, userRepo UserRepository, logger *slog.Logger) (string, error) {
	count, err := userRepo.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking user count: %w", err)
	}
	if count > 0 {
		logger.Info("users exist, skipping owner seed")
		return "", nil
	}

	password, err := generateSeedPassword()
	if err != nil {
		return "", err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hashing seed password: %w", err)
	}

	owner := &User{
		Username:     "owner",
		DisplayName:  "Beamline Owner",
		PasswordHash: hash,
		Role:         RoleOwner,
		IsActive:     true,
	}
	if err := userRepo.Create(ctx, owner); err != nil {
		return "", fmt.Errorf("creating seed owner: %w", err)
	}

	logger.Warn("seed owner account created",
		"username", owner.Username,
		"password", password,
		"action_required", "change this password immediately",
	)

	return password, nil
}

// generateSeedPassword returns a fresh random hex password.
func generateSeedPassword() (string, error) {
	buf := make([]byte, seedPasswordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating seed password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
