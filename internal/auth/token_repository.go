package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// tokenBytes is the number of random bytes in a generated device token.
const tokenBytes = 16

// DeviceToken is a stored pairing record. The raw token is never stored.
type DeviceToken struct {
	DeviceID  string    `json:"device_id"`
	TokenHash string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenRepository defines the interface for device token persistence.
type TokenRepository interface {
	Set(ctx context.Context, deviceID, tokenHash string) error
	GetHash(ctx context.Context, deviceID string) (string, error)
	Delete(ctx context.Context, deviceID string) error
	List(ctx context.Context) ([]DeviceToken, error)
}

// SQLiteTokenRepository implements TokenRepository using SQLite.
type SQLiteTokenRepository struct {
	db *sql.DB
}

// NewTokenRepository creates a new SQLite-backed token repository.
func NewTokenRepository(db *sql.DB) *SQLiteTokenRepository {
	return &SQLiteTokenRepository{db: db}
}

// HashToken computes the SHA-256 hash of a raw token string for storage.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// GenerateToken returns a random hex token for pairing a device.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Set stores (or replaces) the token hash for a device.
func (r *SQLiteTokenRepository) Set(ctx context.Context, deviceID, tokenHash string) error {
	if deviceID == "" {
		return ErrInvalidDeviceID
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_tokens (device_id, token_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			token_hash = excluded.token_hash,
			updated_at = excluded.updated_at`,
		deviceID, tokenHash, now, now,
	)
	if err != nil {
		return fmt.Errorf("storing device token: %w", err)
	}
	return nil
}

// GetHash returns the stored token hash for a device.
// Returns ErrTokenNotFound if the device has no token.
func (r *SQLiteTokenRepository) GetHash(ctx context.Context, deviceID string) (string, error) {
	var hash string
	err := r.db.QueryRowContext(ctx,
		`SELECT token_hash FROM device_tokens WHERE device_id = ?`, deviceID,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("getting device token: %w", err)
	}
	return hash, nil
}

// Delete removes a device's token. Returns ErrTokenNotFound if none exists.
func (r *SQLiteTokenRepository) Delete(ctx context.Context, deviceID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM device_tokens WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("deleting device token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting device token: %w", err)
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// List returns every paired device, ordered by device ID.
func (r *SQLiteTokenRepository) List(ctx context.Context) ([]DeviceToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT device_id, token_hash, created_at, updated_at
		 FROM device_tokens ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("listing device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []DeviceToken
	for rows.Next() {
		var t DeviceToken
		var createdAt, updatedAt string
		if err := rows.Scan(&t.DeviceID, &t.TokenHash, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning device token: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device tokens: %w", err)
	}
	return tokens, nil
}
