// Package store defines the narrow key/value contract the coordination
// components (rate limiter, lockout, dedup locks, idempotency cache,
// sessions) depend on, plus its Redis implementation.
//
// Components depend on the Store interface, never on the concrete client.
// The client is constructed once by the composition root and injected, so
// there is no lazily-initialized module-level singleton to reason about.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and TTL when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ZMember is one sorted-set member with its score.
type ZMember struct {
	Score  float64
	Member string
}

// Store is the typed contract over the shared coordination keyspace.
//
// Implementations must be safe for concurrent use. All methods honor the
// context for cancellation and deadlines; callers wrap store operations in a
// circuit breaker, so methods should return promptly on connectivity loss
// rather than retrying internally.
type Store interface {
	// Get returns the string value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetEX sets key to value with the given TTL, replacing any prior value.
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX atomically sets key only if it does not exist, with the given
	// TTL. It reports whether the set happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// TTL returns the remaining lifetime of key, or ErrNotFound when the key
	// does not exist. Keys without an expiry report a negative duration.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Expire sets or refreshes the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)

	// ZAdd inserts a scored member into the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRemRangeByScore removes members whose score falls within [min, max].
	// The bounds use Redis score syntax ("-inf", "(123", "456").
	ZRemRangeByScore(ctx context.Context, key, min, max string) error

	// ZCard returns the cardinality of the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRangeWithScores returns members in [start, stop] by ascending score.
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
}
