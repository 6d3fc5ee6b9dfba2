package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// seedSecretBytes is the number of random bytes in the generated admin secret.
const seedSecretBytes = 16

// SeedAdmin creates the "admin" client when no clients exist and returns
// its generated secret. It returns "" when clients already exist.
func SeedAdmin(ctx context.Context, repo ClientRepository, logger *slog.Logger) (string, error) {
	n, err := repo.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking client count: %w", err)
	}
	if n > 0 {
		logger.Debug("api clients exist, skipping admin seed", "clients", n)
		return "", nil
	}

	raw := make([]byte, seedSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating admin secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	hash, err := HashSecret(secret)
	if err != nil {
		return "", fmt.Errorf("hashing admin secret: %w", err)
	}
	admin := &Client{Name: "admin", SecretHash: hash, Role: RoleAdmin, IsActive: true}
	if err := repo.Create(ctx, admin); err != nil {
		return "", fmt.Errorf("creating admin client: %w", err)
	}

	logger.Warn("admin api client created", "name", admin.Name, "secret", secret)
	return secret, nil
}
