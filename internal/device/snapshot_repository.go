package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SnapshotRepository persists the latest state of each device.
type SnapshotRepository interface {
	// Save upserts the state of one device.
	Save(ctx context.Context, st DeviceState) error

	// GetByID returns the persisted state of one device.
	// Returns ErrSnapshotNotFound if nothing has been saved for it.
	GetByID(ctx context.Context, deviceID string) (DeviceState, error)

	// List returns every persisted state ordered by device ID.
	List(ctx context.Context) ([]DeviceState, error)
}

// SQLiteSnapshotRepository implements SnapshotRepository on the
// device_snapshots table.
type SQLiteSnapshotRepository struct {
	db *sql.DB
}

// NewSQLiteSnapshotRepository creates a repository on an open, migrated database.
func NewSQLiteSnapshotRepository(db *sql.DB) *SQLiteSnapshotRepository {
	return &SQLiteSnapshotRepository{db: db}
}

// Save upserts the device's telemetry, relays and last-seen time.
// Online and Revision are runtime-only and are not stored.
func (r *SQLiteSnapshotRepository) Save(ctx context.Context, st DeviceState) error {
	if st.DeviceID == "" {
		return ErrInvalidDeviceID
	}

	telemetry, err := marshalJSONMap(st.Telemetry)
	if err != nil {
		return fmt.Errorf("marshalling telemetry: %w", err)
	}
	relays, err := marshalJSONMap(st.Relays)
	if err != nil {
		return fmt.Errorf("marshalling relays: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO device_snapshots (device_id, telemetry, relays, last_seen_ms, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			telemetry = excluded.telemetry,
			relays = excluded.relays,
			last_seen_ms = excluded.last_seen_ms,
			updated_at = excluded.updated_at`,
		st.DeviceID, telemetry, relays, st.LastSeenMillis,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// GetByID returns the persisted state of one device.
func (r *SQLiteSnapshotRepository) GetByID(ctx context.Context, deviceID string) (DeviceState, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT device_id, telemetry, relays, last_seen_ms
		FROM device_snapshots
		WHERE device_id = ?`, deviceID)

	st, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeviceState{}, ErrSnapshotNotFound
		}
		return DeviceState{}, fmt.Errorf("querying snapshot: %w", err)
	}
	return st, nil
}

// List returns every persisted state ordered by device ID.
func (r *SQLiteSnapshotRepository) List(ctx context.Context) ([]DeviceState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, telemetry, relays, last_seen_ms
		FROM device_snapshots
		ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var states []DeviceState
	for rows.Next() {
		st, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshots: %w", err)
	}
	return states, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(s scanner) (DeviceState, error) {
	var (
		st                DeviceState
		telemetry, relays string
	)
	if err := s.Scan(&st.DeviceID, &telemetry, &relays, &st.LastSeenMillis); err != nil {
		return DeviceState{}, err
	}
	if err := json.Unmarshal([]byte(telemetry), &st.Telemetry); err != nil {
		return DeviceState{}, fmt.Errorf("unmarshalling telemetry for %s: %w", st.DeviceID, err)
	}
	if err := json.Unmarshal([]byte(relays), &st.Relays); err != nil {
		return DeviceState{}, fmt.Errorf("unmarshalling relays for %s: %w", st.DeviceID, err)
	}
	return st.Clone(), nil
}

// marshalJSONMap encodes a map, writing "{}" for nil.
func marshalJSONMap[V any](m map[string]V) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
