// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file adapts the request deduplication layer to Gin. The middleware
// takes the per-request in-flight lock before the handler runs and releases
// it when the handler finishes, so concurrent duplicates of the same logical
// request collapse to a single execution.
package middleware

import (
	"bytes"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/streamguard/go-chat-backend/internal/dedup"
)

// dedupKeyCtxKey stores the resolved deduplication key for handlers that
// also consult the idempotency result cache.
const dedupKeyCtxKey = "dedupKey"

// Dedup returns a middleware that rejects concurrent duplicate submissions.
//
// The deduplication key is resolved from the request (client headers or
// content hash); the key plus route path identify the in-flight lock. A
// colliding request is answered with 429 and a Retry-After header instead of
// queueing. The request body is consumed to compute content hashes and then
// restored for the handler.
func Dedup(d *dedup.Deduplicator) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			// Oversized or broken body; MaxBytesReader already bounded it.
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "payload_too_large",
				"message":    "request body too large",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		key := d.KeyFromRequest(c.Request, body)
		c.Set(dedupKeyCtxKey, key)

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		release, retryAfter, err := d.Acquire(c.Request.Context(), path, key)
		if errors.Is(err, dedup.ErrDuplicate) {
			c.Header("Retry-After", strconv.Itoa(ceilSeconds(retryAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "duplicate_request",
				"message":    "an identical request is already being processed",
			})
			return
		}
		defer release()

		c.Next()
	}
}

// DedupKey returns the deduplication key resolved for this request, if the
// Dedup middleware ran.
func DedupKey(c *gin.Context) string {
	if v, ok := c.Get(dedupKeyCtxKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ceilSeconds rounds a duration in seconds up to a whole second, minimum 1,
// so Retry-After never tells a client to retry immediately.
func ceilSeconds(s float64) int {
	n := int(math.Ceil(s))
	if n < 1 {
		n = 1
	}
	return n
}
