package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions locates the redis instance backing the capture queue.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis wraps the client shared by the queue and health checks.
type Redis struct {
	Client *redis.Client
}

// NewRedis builds a client with short timeouts; it does not dial until first use.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return &Redis{Client: client}
}

// Healthy reports whether redis answers PING.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
