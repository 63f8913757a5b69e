// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, CSRF, request deduplication, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Guarded write paths: CSRF → dedup → rate limit → handler
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/streamguard/go-chat-backend/internal/config"
	"github.com/streamguard/go-chat-backend/internal/dedup"
	"github.com/streamguard/go-chat-backend/internal/domain"
	"github.com/streamguard/go-chat-backend/internal/http/handlers"
	"github.com/streamguard/go-chat-backend/internal/http/middleware"
	"github.com/streamguard/go-chat-backend/internal/ratelimit"
	"github.com/streamguard/go-chat-backend/internal/repo"
	"github.com/streamguard/go-chat-backend/internal/services"
	"github.com/streamguard/go-chat-backend/internal/session"
	"github.com/streamguard/go-chat-backend/internal/upstream"
)

// Deps carries the constructed infrastructure the router injects into
// services and middleware. Everything is built in main and passed down.
type Deps struct {
	DB       *gorm.DB
	Sessions *session.Manager
	Dedup    *dedup.Deduplicator
	Limiter  *ratelimit.Limiter
	Upstream upstream.Completer
}

// chatRepoShim adapts the repository free functions to the services.ChatRepo
// interface expected by the ChatService. This keeps services decoupled from
// the concrete repo package while reusing existing functions.
type chatRepoShim struct{}

// CreateChat proxies repo.CreateChat.
func (chatRepoShim) CreateChat(ctx context.Context, db *gorm.DB, userID, title string) (*domain.Chat, error) {
	return repo.CreateChat(ctx, db, userID, title)
}

// ListChats proxies repo.ListChats.
func (chatRepoShim) ListChats(ctx context.Context, db *gorm.DB, userID string) ([]domain.Chat, error) {
	return repo.ListChats(ctx, db, userID)
}

// GetChat proxies repo.GetChat.
func (chatRepoShim) GetChat(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error) {
	return repo.GetChat(ctx, db, id, userID)
}

// UpdateChatTitle proxies repo.UpdateChatTitle.
func (chatRepoShim) UpdateChatTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	return repo.UpdateChatTitle(ctx, db, id, userID, title)
}

// DeleteChat proxies repo.DeleteChat.
func (chatRepoShim) DeleteChat(ctx context.Context, db *gorm.DB, id, userID string) error {
	return repo.DeleteChat(ctx, db, id, userID)
}

// CountChats proxies repo.CountChats (pagination support).
func (chatRepoShim) CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountChats(ctx, db, userID)
}

// ListChatsPage proxies repo.ListChatsPage (pagination support).
func (chatRepoShim) ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error) {
	return repo.ListChatsPage(ctx, db, userID, offset, limit)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), CORS and security
// headers, health and metrics endpoints, and then mounts the versioned public
// API under /api/v1.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers
//
// Write-path guards are per-route, in gate order: session resolution, CSRF,
// dedup (in-flight lock), rate limit, then the handler.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		middleware.HeaderUserID, middleware.HeaderSessionID, middleware.HeaderCSRFToken,
		dedup.HeaderIdempotencyKey,
	}
	exposeHeaders := []string{
		"X-Request-ID", "Content-Length", "ETag",
		"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
		"Retry-After", handlers.HeaderIdempotencyReplayed,
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/upstream
	chatSvc := services.NewChatService(deps.DB, chatRepoShim{})
	msgSvc := services.NewMessageService(deps.DB, deps.Upstream)
	msgSvc.SystemPrompt = cfg.SystemPrompt
	msgSvc.TitleLocale = language.English

	h := handlers.New(chatSvc, msgSvc, deps.Sessions, deps.Dedup)

	// Per-route guards, in gate order.
	sessionMW := middleware.Session(deps.Sessions)
	csrfMW := middleware.RequireCSRF()
	dedupMW := middleware.Dedup(deps.Dedup)
	rateMW := middleware.RateLimitChat(deps.Limiter)

	// Public API. Streaming is mounted outside the gzip group: compressed
	// SSE defeats per-event flushing.
	api := r.Group("/api/v1")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		// Sessions / CSRF
		api.POST("/session", sessionMW, h.CreateSession)
		api.GET("/csrf", sessionMW, h.GetCSRFToken)
		api.POST("/session/rotate", sessionMW, csrfMW, h.RotateSession)
		api.DELETE("/session", sessionMW, csrfMW, h.DeleteSession)

		// Chats
		api.POST("/chats", sessionMW, csrfMW, h.CreateChat)
		api.GET("/chats", sessionMW, h.ListChats)
		api.PUT("/chats/:id/title", sessionMW, csrfMW, h.UpdateChatTitle)
		api.DELETE("/chats/:id", sessionMW, csrfMW, h.DeleteChat)

		// Messages
		api.GET("/chats/:id/messages", sessionMW, h.ListMessages)
		api.POST("/chats/:id/messages", sessionMW, csrfMW, dedupMW, rateMW, h.PostMessage)
	}

	r.POST("/api/v1/chats/:id/stream", sessionMW, csrfMW, dedupMW, rateMW, h.StreamMessage)
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
