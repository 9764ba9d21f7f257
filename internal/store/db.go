package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"attendsync/internal/errs"
)

// ErrRemoteOffline marks a remote pool that was opened but could not be
// reached. The pool is still returned and redials on the next call.
var ErrRemoteOffline = errors.New("remote store offline")

// PoolOptions sizes the remote connection pool.
type PoolOptions struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	PingTimeout time.Duration
}

// DefaultPool suits a single edge device talking to one Postgres.
func DefaultPool() PoolOptions {
	return PoolOptions{MaxOpen: 4, MaxIdle: 2, MaxLifetime: 30 * time.Minute, PingTimeout: 5 * time.Second}
}

// DB wraps the pgx-backed sql.DB shared by the remote store.
type DB struct {
	Client *sql.DB
}

// OpenRemote configures the pool for connString and pings it once. A failed
// ping returns both the DB and an error wrapping ErrRemoteOffline so callers
// can start offline.
func OpenRemote(ctx context.Context, connString string, opts PoolOptions) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, errs.Wrap(err, "open remote pool")
	}
	if opts.MaxOpen > 0 {
		db.SetMaxOpenConns(opts.MaxOpen)
	}
	if opts.MaxIdle > 0 {
		db.SetMaxIdleConns(opts.MaxIdle)
	}
	if opts.MaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.MaxLifetime)
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}

	pctx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		return &DB{Client: db}, errors.Join(ErrRemoteOffline, err)
	}
	return &DB{Client: db}, nil
}

// Close closes the pool. Safe on a nil DB.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
