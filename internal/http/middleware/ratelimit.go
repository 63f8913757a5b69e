// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file adapts the Redis sliding-window rate limiter to Gin. Unlike a
// process-local token bucket, the shared window holds across replicas and
// restarts, which is what makes the lockout escalation meaningful.
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamguard/go-chat-backend/internal/ratelimit"
)

// RateLimitChat returns a middleware enforcing the chat-message rate limit
// for the calling user (or client IP when anonymous).
//
// Denied requests receive 429 with Retry-After and the X-RateLimit-* headers;
// admitted requests carry the same headers so clients can pace themselves.
// When the limiter's backing store is unreachable the middleware answers 503:
// the limiter fails closed, and an unavailable guard must read as "try again
// later", not "limit exceeded".
func RateLimitChat(l *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := l.CheckChat(c.Request.Context(), c.Request, UserID(c))
		if errors.Is(err, ratelimit.ErrUnavailable) {
			c.Header("Retry-After", "30")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "rate_limiter_unavailable",
				"message":    "service temporarily unavailable",
			})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			wait := ceilSeconds(time.Until(res.ResetAt).Seconds())
			c.Header("Retry-After", strconv.Itoa(wait))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "rate_limited",
				"message":    fmt.Sprintf("too many requests; try again in %d seconds", wait),
			})
			return
		}

		c.Next()
	}
}
