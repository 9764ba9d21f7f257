package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"attendsync/internal/attendance"
)

// Keys kept in sync_state.
const (
	StateReferenceWatermark = "reference_watermark"
)

// GetState returns the value stored under key.
func (l *Local) GetState(ctx context.Context, key string) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, errors.New("key is required")
	}
	var value string
	err := l.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, attendance.Storage("get state", err)
	}
	return value, true, nil
}

// SetState upserts key.
func (l *Local) SetState(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key is required")
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, toNanos(l.clock()))
	return attendance.Storage("set state", err)
}
