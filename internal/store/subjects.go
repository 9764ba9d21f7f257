package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"attendsync/internal/attendance"
)

// UpsertSubjects mirrors reference data. Subjects are never deleted; a
// remote deactivation arrives as Active=false.
func (l *Local) UpsertSubjects(ctx context.Context, subjects []attendance.Subject) error {
	if len(subjects) == 0 {
		return nil
	}
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO subjects (id, display_name, embeddings, active, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				display_name = excluded.display_name,
				embeddings   = excluded.embeddings,
				active       = excluded.active,
				updated_at   = excluded.updated_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, s := range subjects {
			embeddings := s.Embeddings
			if embeddings == nil {
				embeddings = [][]float32{}
			}
			raw, err := json.Marshal(embeddings)
			if err != nil {
				return fmt.Errorf("encode embeddings for %s: %w", s.ID, err)
			}
			updated := s.UpdatedAt
			if updated.IsZero() {
				updated = l.clock()
			}
			if _, err := stmt.ExecContext(ctx, s.ID, s.DisplayName, string(raw), s.Active, toNanos(updated)); err != nil {
				return fmt.Errorf("upsert subject %s: %w", s.ID, err)
			}
		}
		return nil
	})
	return attendance.Storage("upsert subjects", err)
}

// ListSubjects returns subjects ordered by id, optionally only active ones.
func (l *Local) ListSubjects(ctx context.Context, activeOnly bool) ([]attendance.Subject, error) {
	query := `SELECT id, display_name, embeddings, active, updated_at FROM subjects`
	if activeOnly {
		query += ` WHERE ` + predActiveSubject
	}
	query += ` ORDER BY id`

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, attendance.Storage("list subjects", err)
	}
	defer rows.Close()

	var subjects []attendance.Subject
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, attendance.Storage("list subjects", err)
		}
		subjects = append(subjects, s)
	}
	if err := rows.Err(); err != nil {
		return nil, attendance.Storage("list subjects", err)
	}
	return subjects, nil
}

// GetSubject returns one subject or nil when absent.
func (l *Local) GetSubject(ctx context.Context, id string) (*attendance.Subject, error) {
	s, err := scanSubject(l.db.QueryRowContext(ctx,
		`SELECT id, display_name, embeddings, active, updated_at FROM subjects WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, attendance.Storage("get subject", err)
	}
	return &s, nil
}

func scanSubject(row rowScanner) (attendance.Subject, error) {
	var s attendance.Subject
	var raw string
	var updated int64
	if err := row.Scan(&s.ID, &s.DisplayName, &raw, &s.Active, &updated); err != nil {
		return attendance.Subject{}, err
	}
	if err := json.Unmarshal([]byte(raw), &s.Embeddings); err != nil {
		return attendance.Subject{}, fmt.Errorf("decode embeddings for %s: %w", s.ID, err)
	}
	s.UpdatedAt = fromNanos(updated)
	return s, nil
}
