package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Local is the device's durable event store on SQLite.
//
// The database runs in WAL mode so dashboard reads see stable snapshots
// while the engine writes. synchronous=FULL makes every committed write
// durable before the call returns, and transactions begin IMMEDIATE so a
// check-then-insert holds the write lock for its whole duration.
type Local struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Local store.
type Option func(*Local)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Local) { l.now = now }
}

// OpenLocal creates or opens the SQLite database at path and applies the schema.
func OpenLocal(path string, opts ...Option) (*Local, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	l := &Local{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (l *Local) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Ping verifies the database is reachable.
func (l *Local) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *Local) clock() time.Time { return l.now().UTC() }

func (l *Local) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
