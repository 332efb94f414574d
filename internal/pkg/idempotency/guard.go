// Package idempotency provides a Redis-backed in-flight guard that collapses
// concurrent work sharing the same key onto a single holder. The durable
// replay ledger lives in the database; this guard only prevents two nodes
// from racing through the same issuance at once.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInFlight is returned when another holder currently owns the key.
var ErrInFlight = errors.New("operation already in flight")

// Guard marks a key as in flight for the duration of a unit of work.
type Guard interface {
	// Acquire attempts to claim the key. It returns ErrInFlight when another
	// holder owns it, or a release function when the claim succeeds.
	Acquire(ctx context.Context, key string, hold time.Duration) (release func(), err error)
}

const defaultHold = 30 * time.Second

// RedisGuard implements Guard with a SETNX claim per key.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisGuard returns a Guard backed by the given Redis client.
func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{
		client: client,
		prefix: "inflight:",
	}
}

// Acquire claims the key with SETNX. The hold duration bounds how long a
// crashed holder can block others; the release function deletes the claim
// eagerly on the happy path.
func (g *RedisGuard) Acquire(ctx context.Context, key string, hold time.Duration) (func(), error) {
	if hold <= 0 {
		hold = defaultHold
	}

	fk := g.prefix + key

	acquired, err := g.client.SetNX(ctx, fk, "1", hold).Result()
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrInFlight
	}

	release := func() {
		// Best effort; the TTL cleans up if this fails.
		_ = g.client.Del(context.WithoutCancel(ctx), fk).Err()
	}

	return release, nil
}

// NopGuard is a Guard that admits everything. Used when Redis is not
// configured; the database transaction still enforces correctness.
type NopGuard struct{}

// Acquire always succeeds.
func (NopGuard) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}
