// Package dedup blocks concurrent duplicate submissions and caches the
// results of idempotent requests on the shared store.
//
// Two distinct mechanisms live here, with opposite failure policies:
//
//   - The in-flight LOCK (Acquire/release): a short-lived SETNX key that
//     guarantees at most one handler execution per (path, key) at a time.
//     A colliding request fails fast with retry-after guidance; it does not
//     queue. The lock is released when the handler finishes, whatever the
//     outcome, so a legitimate retry is never blocked forever.
//
//   - The idempotency RESULT CACHE (CheckIdempotency/StoreIdempotencyKey):
//     the first successful response payload per (user, key), replayed on
//     retries within the TTL. Lookups fail OPEN: a broken cache costs a
//     redundant computation, which is acceptable; blocking legitimate
//     traffic is not. This is the deliberate mirror image of the rate
//     limiter's fail-closed policy.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/streamguard/go-chat-backend/internal/store"
)

// Request headers accepted as client-supplied deduplication keys, in
// resolution order.
const (
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderRequestID      = "X-Request-Id"
)

// ErrDuplicate is returned by Acquire when an identical request is already
// in flight. Handlers map it to 429 with a Retry-After header.
var ErrDuplicate = errors.New("duplicate request in flight")

// Deduplicator owns the lock and idempotency keyspaces.
type Deduplicator struct {
	store   store.Store
	lockTTL time.Duration
	idemTTL time.Duration

	// now is a test seam; production code always uses time.Now.
	now func() time.Time
}

// New constructs a Deduplicator. lockTTL defaults to 30s, idemTTL to 24h.
func New(s store.Store, lockTTL, idemTTL time.Duration) *Deduplicator {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &Deduplicator{store: s, lockTTL: lockTTL, idemTTL: idemTTL, now: time.Now}
}

// KeyFromRequest resolves the deduplication key for a request: the client's
// X-Idempotency-Key or X-Request-Id header when present, otherwise a content
// hash of (body, Authorization header, 1-second time bucket).
//
// The content hash means header-less clients still get best-effort duplicate
// suppression: identical body+auth within the same second collapse to one
// key. Distinct requests that happen to collide in that window are also
// collapsed; the bucket is coarse and not load-bearing beyond duplicate
// suppression.
func (d *Deduplicator) KeyFromRequest(r *http.Request, body []byte) string {
	if k := r.Header.Get(HeaderIdempotencyKey); k != "" {
		return k
	}
	if k := r.Header.Get(HeaderRequestID); k != "" {
		return k
	}
	h := sha256.New()
	h.Write(body)
	h.Write([]byte(r.Header.Get("Authorization")))
	h.Write([]byte(strconv.FormatInt(d.now().Unix(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Acquire takes the in-flight lock for (path, key). On success it returns a
// release function that the caller must invoke when the handler finishes
// (success, error, or cancellation alike; a deferred call is the expected
// shape). On collision it returns ErrDuplicate and the remaining TTL of the
// conflicting lock.
//
// Lock acquisition failures other than a collision are treated as a
// collision with the full TTL: an ambiguous store failure must not admit a
// possible duplicate.
func (d *Deduplicator) Acquire(ctx context.Context, path, key string) (release func(), retryAfter time.Duration, err error) {
	lockKey := "reqdedup:" + path + ":" + key

	ok, serr := d.store.SetNX(ctx, lockKey, "1", d.lockTTL)
	if serr != nil {
		log.Warn().Err(serr).Str("key", lockKey).Msg("dedup lock acquisition failed; rejecting")
		return nil, d.lockTTL, ErrDuplicate
	}
	if !ok {
		retryAfter = d.lockTTL
		if ttl, terr := d.store.TTL(ctx, lockKey); terr == nil && ttl > 0 {
			retryAfter = ttl
		}
		return nil, retryAfter, ErrDuplicate
	}

	release = func() {
		// The request context may already be canceled (client abort); the
		// lock must still be released, so use a fresh short deadline.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if derr := d.store.Del(rctx, lockKey); derr != nil {
			// The TTL bounds the damage: the stale lock clears itself.
			log.Warn().Err(derr).Str("key", lockKey).Msg("dedup lock release failed")
		}
	}
	return release, 0, nil
}

// CheckIdempotency returns the cached payload for (userID, key) when one
// exists. Store failures are treated as a cache miss.
func (d *Deduplicator) CheckIdempotency(ctx context.Context, userID, key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	raw, err := d.store.Get(ctx, idemKey(userID, key))
	if errors.Is(err, store.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Msg("idempotency lookup failed; treating as miss")
		return nil, false
	}
	return []byte(raw), true
}

// StoreIdempotencyKey records the first successful payload for (userID,
// key). Failures are logged and swallowed: the response has already been
// produced, and the worst case is a redundant recomputation on retry.
func (d *Deduplicator) StoreIdempotencyKey(ctx context.Context, userID, key string, payload []byte) {
	if key == "" {
		return
	}
	if err := d.store.SetEX(ctx, idemKey(userID, key), string(payload), d.idemTTL); err != nil {
		log.Warn().Err(err).Msg("idempotency store failed")
	}
}

func idemKey(userID, key string) string { return "idempotency:" + userID + ":" + key }
