// Package store – Redis implementation.
//
// This file adapts go-redis to the Store interface. The adapter is a thin
// translation layer: key-not-found becomes ErrNotFound, TTL sentinels are
// normalized, and everything else passes through unchanged.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a go-redis client.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an already-constructed client. Useful in tests where the
// client points at an in-process server.
func NewRedis(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

// OpenRedis dials the server at addr and verifies connectivity with a short
// ping before returning. A failed ping fails construction: the service
// should not start with an unreachable coordination store.
func OpenRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Redis{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error { return r.rdb.Close() }

// Get returns the string value at key, or ErrNotFound.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

// SetEX sets key to value with the given TTL.
func (r *Redis) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX atomically sets key only if absent, with the given TTL.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Del removes the given keys.
func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.rdb.Del(ctx, keys...).Err()
}

// TTL returns the remaining lifetime of key, or ErrNotFound.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis passes through the raw TTL sentinels: -2 for a missing key,
	// -1 for a key without an expiry.
	if d == -2 {
		return 0, ErrNotFound
	}
	return d, nil
}

// Expire sets or refreshes the TTL on an existing key.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, key, ttl).Err()
}

// Incr atomically increments the integer at key.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return r.rdb.Incr(ctx, key).Result()
}

// ZAdd inserts a scored member into the sorted set at key.
func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRemRangeByScore removes members scored within [min, max].
func (r *Redis) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return r.rdb.ZRemRangeByScore(ctx, key, min, max).Err()
}

// ZCard returns the cardinality of the sorted set at key.
func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	return r.rdb.ZCard(ctx, key).Result()
}

// ZRangeWithScores returns members in [start, stop] by ascending score.
func (r *Redis) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	zs, err := r.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, ZMember{Score: z.Score, Member: m})
	}
	return out, nil
}
