package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"attendsync/internal/attendance"
)

// TouchDevice records device liveness. A nil Config keeps the stored snapshot.
func (l *Local) TouchDevice(ctx context.Context, d attendance.Device) error {
	if d.ID == "" {
		return errors.New("device id required")
	}
	seen := d.LastSeenAt
	if seen.IsZero() {
		seen = l.clock()
	}
	var snapshot any
	if d.Config != nil {
		raw, err := json.Marshal(d.Config)
		if err != nil {
			return fmt.Errorf("encode device config: %w", err)
		}
		snapshot = string(raw)
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO devices (id, last_seen_at, config_snapshot)
		VALUES (?, ?, COALESCE(?, '{}'))
		ON CONFLICT (id) DO UPDATE SET
			last_seen_at    = excluded.last_seen_at,
			config_snapshot = COALESCE(?, devices.config_snapshot)
	`, d.ID, toNanos(seen), snapshot, snapshot)
	return attendance.Storage("touch device", err)
}

// GetDevice returns one device or nil when absent.
func (l *Local) GetDevice(ctx context.Context, id string) (*attendance.Device, error) {
	var d attendance.Device
	var seen int64
	var raw string
	err := l.db.QueryRowContext(ctx, `SELECT id, last_seen_at, config_snapshot FROM devices WHERE id = ?`, id).
		Scan(&d.ID, &seen, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, attendance.Storage("get device", err)
	}
	d.LastSeenAt = fromNanos(seen)
	if err := json.Unmarshal([]byte(raw), &d.Config); err != nil {
		return nil, attendance.Storage("get device", fmt.Errorf("decode config: %w", err))
	}
	return &d, nil
}
