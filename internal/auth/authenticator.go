package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
)

// Policy names. They match the auth.policy config values.
const (
	PolicyOpen   = "open"
	PolicyPin    = "pin"
	PolicyStrict = "strict"
)

// Authenticator checks device tokens against the token store.
// It satisfies link.Authenticator.
type Authenticator struct {
	repo   TokenRepository
	policy string
	logger *slog.Logger
}

// NewAuthenticator creates an authenticator. An empty policy means open.
func NewAuthenticator(repo TokenRepository, policy string, logger *slog.Logger) (*Authenticator, error) {
	switch policy {
	case "":
		policy = PolicyOpen
	case PolicyOpen, PolicyPin, PolicyStrict:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, policy)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Authenticator{repo: repo, policy: policy, logger: logger}, nil
}

// Policy returns the active policy name.
func (a *Authenticator) Policy() string {
	return a.policy
}

// Authenticate reports whether deviceID may connect with token.
//
// A stored token must match. Without one, the policy decides. A store
// error is returned with false so the caller denies the connection.
func (a *Authenticator) Authenticate(ctx context.Context, deviceID, token string) (bool, error) {
	stored, err := a.repo.GetHash(ctx, deviceID)
	switch {
	case err == nil:
		return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(stored)) == 1, nil
	case !errors.Is(err, ErrTokenNotFound):
		return false, fmt.Errorf("looking up token for %s: %w", deviceID, err)
	}

	switch a.policy {
	case PolicyStrict:
		return false, nil
	case PolicyPin:
		if token == "" {
			return true, nil
		}
		if err := a.repo.Set(ctx, deviceID, HashToken(token)); err != nil {
			return false, fmt.Errorf("pinning token for %s: %w", deviceID, err)
		}
		a.logger.Info("device token pinned on first use", "device_id", deviceID)
		return true, nil
	default:
		return true, nil
	}
}

// SetToken stores a raw token for a device (replacing any previous one).
func (a *Authenticator) SetToken(ctx context.Context, deviceID, token string) error {
	if deviceID == "" {
		return ErrInvalidDeviceID
	}
	if token == "" {
		return ErrEmptyToken
	}
	return a.repo.Set(ctx, deviceID, HashToken(token))
}

// RevokeToken removes a device's token. Under the open and pin policies
// the device may pair again on its next connection.
func (a *Authenticator) RevokeToken(ctx context.Context, deviceID string) error {
	return a.repo.Delete(ctx, deviceID)
}

// SeedTokens stores the configured tokens at startup, overwriting stored
// ones for the same devices.
func (a *Authenticator) SeedTokens(ctx context.Context, tokens map[string]string) error {
	for deviceID, token := range tokens {
		if err := a.SetToken(ctx, deviceID, token); err != nil {
			return fmt.Errorf("seeding token for %s: %w", deviceID, err)
		}
	}
	if len(tokens) > 0 {
		a.logger.Info("device tokens seeded from config", "count", len(tokens))
	}
	return nil
}
