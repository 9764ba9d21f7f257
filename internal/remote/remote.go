// Package remote talks to the central Postgres system of record.
//
// Every failure is reported as a transient sync error: the device cannot
// tell an unreachable database from a slow one, and commits are idempotent
// on the event id so retrying is always safe.
package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"attendsync/internal/attendance"
)

// Store is the remote system of record.
type Store struct {
	db *sql.DB
}

// New creates a store over an open connection (see store.OpenRemote).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the remote tables when missing. Production databases are
// provisioned separately; this keeps development and tests self-contained.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS attendance_records (
			event_id     TEXT PRIMARY KEY,
			remote_id    TEXT NOT NULL,
			subject_id   TEXT NOT NULL,
			device_id    TEXT NOT NULL,
			captured_at  TIMESTAMPTZ NOT NULL,
			confidence   DOUBLE PRECISION NOT NULL,
			committed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS subjects (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			embeddings   JSONB NOT NULL DEFAULT '[]',
			active       BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_subjects_updated ON subjects(updated_at);
		CREATE TABLE IF NOT EXISTS devices (
			device_id    TEXT PRIMARY KEY,
			last_seen_at TIMESTAMPTZ NOT NULL,
			config       JSONB NOT NULL DEFAULT '{}'
		);
	`)
	return transient("migrate", err)
}

// Ping reports whether the remote store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return transient("ping", s.db.PingContext(ctx))
}

// LookupEvent returns the remote id already committed for eventID, if any.
func (s *Store) LookupEvent(ctx context.Context, eventID string) (string, bool, error) {
	var remoteID string
	err := s.db.QueryRowContext(ctx, `SELECT remote_id FROM attendance_records WHERE event_id = $1`, eventID).Scan(&remoteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, transient("lookup event", err)
	}
	return remoteID, true, nil
}

// CommitEvent records a validated event. It is idempotent on the event id:
// committing twice keeps the first row and returns its remote id.
func (s *Store) CommitEvent(ctx context.Context, p attendance.Payload, remoteID string) (string, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, `
		WITH ins AS (
			INSERT INTO attendance_records (event_id, remote_id, subject_id, device_id, captured_at, confidence)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (event_id) DO NOTHING
			RETURNING remote_id
		)
		SELECT remote_id FROM ins
		UNION ALL
		SELECT remote_id FROM attendance_records WHERE event_id = $1
		LIMIT 1
	`, p.EventID, remoteID, p.SubjectID, p.DeviceID, p.CapturedAt, p.Confidence).Scan(&stored)
	if err != nil {
		return "", transient("commit event", err)
	}
	return stored, nil
}

// FetchSubjects returns subjects changed at or after since, oldest change
// first. The bound is inclusive so a row committed later with the same
// updated_at as the last watermark is still seen; re-upserting is harmless.
func (s *Store) FetchSubjects(ctx context.Context, since time.Time) ([]attendance.Subject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, embeddings, active, updated_at
		FROM subjects
		WHERE updated_at >= $1
		ORDER BY updated_at ASC, id ASC
	`, since)
	if err != nil {
		return nil, transient("fetch subjects", err)
	}
	defer rows.Close()

	var subjects []attendance.Subject
	for rows.Next() {
		var sub attendance.Subject
		var raw []byte
		if err := rows.Scan(&sub.ID, &sub.DisplayName, &raw, &sub.Active, &sub.UpdatedAt); err != nil {
			return nil, transient("fetch subjects", err)
		}
		if err := json.Unmarshal(raw, &sub.Embeddings); err != nil {
			return nil, fmt.Errorf("decode embeddings for %s: %w", sub.ID, err)
		}
		sub.UpdatedAt = sub.UpdatedAt.UTC()
		subjects = append(subjects, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("fetch subjects", err)
	}
	return subjects, nil
}

// TouchDevice upserts the device liveness row.
func (s *Store) TouchDevice(ctx context.Context, d attendance.Device) error {
	cfg := d.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode device config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, last_seen_at, config)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at, config = EXCLUDED.config
	`, d.ID, d.LastSeenAt.UTC(), string(raw))
	return transient("touch device", err)
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return attendance.Transient("remote store "+op, err)
}
