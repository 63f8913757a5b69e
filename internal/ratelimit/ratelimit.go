// Package ratelimit implements a Redis-backed sliding-window rate limiter
// with an account-lockout extension.
//
// Every store operation is wrapped in a circuit breaker, and the limiter
// FAILS CLOSED: when the breaker is open the caller gets a denial with
// ErrUnavailable, and when an individual store operation fails the count is
// substituted with a sentinel of MaxRequests+1 so the request is denied. An
// attacker must not be able to disable rate limiting by degrading the store.
//
// Keyspace:
//
//	ratelimit:zset:<purpose>:<identifier>  sorted set, score = unix millis
//	ratelimit:violations:<identifier>      consecutive-violation counter
//	lockout:<identifier>                   lockout sentinel, TTL = lockout
package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/streamguard/go-chat-backend/internal/breaker"
	"github.com/streamguard/go-chat-backend/internal/store"
)

// ErrUnavailable is returned (with a denial) when the store circuit breaker
// is open. Handlers map it to a 5xx "service temporarily unavailable"
// response rather than a 429.
var ErrUnavailable = errors.New("rate limiter temporarily unavailable")

// Config bounds one purpose-specific window.
type Config struct {
	// MaxRequests is the number of requests admitted per window.
	MaxRequests int
	// Window is the sliding interval length.
	Window time.Duration
}

// DefaultChatConfig is the chat send/stream limit applied when the Limiter
// is constructed with a zero chat Config.
var DefaultChatConfig = Config{MaxRequests: 10, Window: 60 * time.Second}

// LockoutConfig tunes the consecutive-violation lockout.
type LockoutConfig struct {
	// Threshold is the number of consecutive rate-limit violations that
	// triggers a lockout. Values <= 0 default to 5.
	Threshold int
	// Duration is the lockout TTL. Values <= 0 default to 15 minutes.
	Duration time.Duration
}

// Result reports one rate-limit decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the caller may retry: the oldest surviving window
	// entry plus the window length, or the lockout expiry.
	ResetAt time.Time
}

var decisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ratelimit_decisions_total",
		Help: "Rate limit decisions by purpose and outcome.",
	},
	[]string{"purpose", "outcome"},
)

func init() {
	prometheus.MustRegister(decisions)
}

// Limiter checks request rates against the shared store. It is safe for
// concurrent use; all mutable state lives in the store and the breaker.
type Limiter struct {
	store   store.Store
	brk     *breaker.Breaker
	chat    Config
	lockout LockoutConfig

	// now is a test seam; production code always uses time.Now.
	now func() time.Time
}

// New constructs a Limiter. chat bounds the chat-endpoint window; zero
// fields fall back to DefaultChatConfig. The breaker should be the
// process-wide instance guarding Redis operations so that limiter traffic
// and other store traffic share one view of store health.
func New(s store.Store, brk *breaker.Breaker, chat Config, lockout LockoutConfig) *Limiter {
	if chat.MaxRequests <= 0 {
		chat.MaxRequests = DefaultChatConfig.MaxRequests
	}
	if chat.Window <= 0 {
		chat.Window = DefaultChatConfig.Window
	}
	if lockout.Threshold <= 0 {
		lockout.Threshold = 5
	}
	if lockout.Duration <= 0 {
		lockout.Duration = 15 * time.Minute
	}
	return &Limiter{store: s, brk: brk, chat: chat, lockout: lockout, now: time.Now}
}

// Check records an attempt for (identifier, purpose) and reports whether it
// is admitted by the sliding window.
//
// Decision order:
//  1. lockout sentinel: present means denied with the remaining TTL,
//     bypassing the window entirely;
//  2. window count after pruning entries older than now-Window;
//  3. on admission, a new entry is added and the violation streak resets.
//
// A non-nil error is only returned alongside a denial (never an allowance):
// ErrUnavailable when the breaker is open.
func (l *Limiter) Check(ctx context.Context, identifier, purpose string, cfg Config) (Result, error) {
	now := l.now()
	denied := Result{Allowed: false, Limit: cfg.MaxRequests, Remaining: 0, ResetAt: now.Add(cfg.Window)}

	// 1) Lockout check, fail closed.
	lockTTL, err := l.lockoutTTL(ctx, identifier)
	if err != nil {
		decisions.WithLabelValues(purpose, "unavailable").Inc()
		return denied, ErrUnavailable
	}
	if lockTTL > 0 {
		decisions.WithLabelValues(purpose, "lockout").Inc()
		denied.ResetAt = now.Add(lockTTL)
		return denied, nil
	}

	// 2) Prune and count the window, fail closed via sentinel count.
	zkey := "ratelimit:zset:" + purpose + ":" + identifier
	cutoff := now.Add(-cfg.Window).UnixMilli()
	count, err := breaker.DoWithFallback(ctx, l.brk,
		func(ctx context.Context) (int64, error) {
			if err := l.store.ZRemRangeByScore(ctx, zkey, "-inf", strconv.FormatInt(cutoff, 10)); err != nil {
				return 0, err
			}
			return l.store.ZCard(ctx, zkey)
		},
		func(_ context.Context, cause error) (int64, error) {
			if errors.Is(cause, breaker.ErrOpen) {
				return 0, cause
			}
			// Ambiguous store failure: report one more than the limit so
			// the caller is denied, never allowed.
			log.Warn().Err(cause).Str("purpose", purpose).Msg("rate limit count failed; denying")
			return int64(cfg.MaxRequests + 1), nil
		},
	)
	if err != nil {
		decisions.WithLabelValues(purpose, "unavailable").Inc()
		return denied, ErrUnavailable
	}

	if count >= int64(cfg.MaxRequests) {
		denied.ResetAt = l.windowResetAt(ctx, zkey, now, cfg)
		l.recordViolation(ctx, identifier, purpose)
		decisions.WithLabelValues(purpose, "denied").Inc()
		return denied, nil
	}

	// 3) Admit: add an entry scored at now. The random nonce suffix keeps
	// two entries in the same millisecond from colliding on the member key.
	_, err = breaker.Do(ctx, l.brk, func(ctx context.Context) (struct{}, error) {
		member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + nonce()
		if err := l.store.ZAdd(ctx, zkey, float64(now.UnixMilli()), member); err != nil {
			return struct{}{}, err
		}
		if err := l.store.Expire(ctx, zkey, cfg.Window); err != nil {
			return struct{}{}, err
		}
		// An admitted request breaks the consecutive-violation streak.
		_ = l.store.Del(ctx, "ratelimit:violations:"+identifier)
		return struct{}{}, nil
	})
	if err != nil {
		decisions.WithLabelValues(purpose, "unavailable").Inc()
		return denied, ErrUnavailable
	}

	decisions.WithLabelValues(purpose, "allowed").Inc()
	return Result{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: cfg.MaxRequests - int(count) - 1,
		ResetAt:   now.Add(cfg.Window),
	}, nil
}

// CheckChat applies the configured chat limit, keyed by the authenticated
// user when available and the forwarded client IP otherwise.
func (l *Limiter) CheckChat(ctx context.Context, r *http.Request, userID string) (Result, error) {
	return l.Check(ctx, ChatIdentifier(r, userID), "chat", l.chat)
}

// lockoutTTL returns the remaining lockout for identifier (0 when not locked
// out). Breaker-open surfaces as an error; any other store failure assumes a
// lockout is in place.
func (l *Limiter) lockoutTTL(ctx context.Context, identifier string) (time.Duration, error) {
	return breaker.DoWithFallback(ctx, l.brk,
		func(ctx context.Context) (time.Duration, error) {
			ttl, err := l.store.TTL(ctx, "lockout:"+identifier)
			if errors.Is(err, store.ErrNotFound) {
				return 0, nil
			}
			return ttl, err
		},
		func(_ context.Context, cause error) (time.Duration, error) {
			if errors.Is(cause, breaker.ErrOpen) {
				return 0, cause
			}
			log.Warn().Err(cause).Msg("lockout check failed; assuming locked out")
			return l.lockout.Duration, nil
		},
	)
}

// windowResetAt derives the retry time from the oldest surviving entry.
// Falls back to now+window when the read fails; the denial stands either
// way.
func (l *Limiter) windowResetAt(ctx context.Context, zkey string, now time.Time, cfg Config) time.Time {
	oldest, err := breaker.Do(ctx, l.brk, func(ctx context.Context) ([]store.ZMember, error) {
		return l.store.ZRangeWithScores(ctx, zkey, 0, 0)
	})
	if err != nil || len(oldest) == 0 {
		return now.Add(cfg.Window)
	}
	return time.UnixMilli(int64(oldest[0].Score)).Add(cfg.Window)
}

// recordViolation bumps the consecutive-violation counter and installs the
// lockout sentinel once the threshold is crossed. Failures here are logged
// and swallowed: the request is already being denied.
func (l *Limiter) recordViolation(ctx context.Context, identifier, purpose string) {
	_, err := breaker.Do(ctx, l.brk, func(ctx context.Context) (struct{}, error) {
		vkey := "ratelimit:violations:" + identifier
		n, err := l.store.Incr(ctx, vkey)
		if err != nil {
			return struct{}{}, err
		}
		if err := l.store.Expire(ctx, vkey, l.lockout.Duration); err != nil {
			return struct{}{}, err
		}
		if n >= int64(l.lockout.Threshold) {
			if err := l.store.SetEX(ctx, "lockout:"+identifier, "1", l.lockout.Duration); err != nil {
				return struct{}{}, err
			}
			_ = l.store.Del(ctx, vkey)
			log.Warn().
				Str("identifier", identifier).
				Str("purpose", purpose).
				Dur("duration", l.lockout.Duration).
				Msg("identifier locked out after repeated rate limit violations")
		}
		return struct{}{}, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("identifier", identifier).Msg("failed to record rate limit violation")
	}
}

// ChatIdentifier keys authenticated traffic by user id and anonymous traffic
// by the first X-Forwarded-For hop (falling back to the peer address).
func ChatIdentifier(r *http.Request, userID string) string {
	if userID != "" {
		return "user:" + userID
	}
	return "ip:" + clientIP(r)
}

// clientIP returns the first X-Forwarded-For hop, or the request peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// nonce returns 8 random hex bytes for sorted-set member uniqueness.
func nonce() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
