// Session HTTP handlers.
//
// This file exposes session lifecycle endpoints:
//   - POST   /session          (issue a session with a fresh CSRF token)
//   - GET    /csrf             (fetch the CSRF token for the current session)
//   - POST   /session/rotate   (mint a new CSRF token, CSRF-guarded)
//   - DELETE /session          (end the session, CSRF-guarded)
//
// Stateless bearer-token clients have no server-side record; GET /csrf
// serves them the derived fallback token instead.
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamguard/go-chat-backend/internal/http/middleware"
	"github.com/streamguard/go-chat-backend/internal/session"
)

// SessionResponse is the public view of a session record. The CSRF token is
// returned here once; clients echo it on mutating requests.
type SessionResponse struct {
	SessionID string    `json:"session_id"`
	CSRFToken string    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CSRFTokenResponse carries just the token, for refresh flows.
type CSRFTokenResponse struct {
	CSRFToken string `json:"csrf_token"`
}

func sessionResponse(rec *session.Record) SessionResponse {
	return SessionResponse{
		SessionID: rec.ID,
		CSRFToken: rec.CSRFToken,
		ExpiresAt: rec.ExpiresAt,
	}
}

// CreateSession issues a session for the current user and returns its id and
// CSRF token.
func (h *Handlers) CreateSession(c *gin.Context) {
	rec, err := h.sessions.Issue(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeSessionFailed, "could not create session")
		return
	}
	ok(c, http.StatusCreated, sessionResponse(rec))
}

// GetCSRFToken returns the CSRF token for the caller's session. A
// bearer-token caller with a jwt: session id gets the derived fallback token.
func (h *Handlers) GetCSRFToken(c *gin.Context) {
	if rec := middleware.SessionFrom(c); rec != nil {
		ok(c, http.StatusOK, CSRFTokenResponse{CSRFToken: rec.CSRFToken})
		return
	}

	sid := c.GetHeader(middleware.HeaderSessionID)
	if strings.HasPrefix(sid, session.JWTSessionPrefix) {
		auth := c.GetHeader("Authorization")
		if tok, found := strings.CutPrefix(auth, "Bearer "); found && tok != "" {
			ok(c, http.StatusOK, CSRFTokenResponse{CSRFToken: session.JWTFallbackToken(tok)})
			return
		}
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "bearer token required")
		return
	}

	if sid != "" {
		rec, err := h.sessions.Get(c.Request.Context(), sid)
		if err == nil {
			ok(c, http.StatusOK, CSRFTokenResponse{CSRFToken: rec.CSRFToken})
			return
		}
		if !errors.Is(err, session.ErrNotFound) {
			fail(c, http.StatusServiceUnavailable, ErrCodeSessionFailed, "session lookup failed")
			return
		}
	}

	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "no active session")
}

// RotateSession replaces the session's CSRF token. The route is behind the
// CSRF guard, so the old token authorizes its own replacement.
func (h *Handlers) RotateSession(c *gin.Context) {
	rec := middleware.SessionFrom(c)
	if rec == nil {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "no active session")
		return
	}

	rotated, err := h.sessions.Rotate(c.Request.Context(), rec.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "session expired")
			return
		}
		fail(c, http.StatusServiceUnavailable, ErrCodeSessionFailed, "could not rotate session")
		return
	}
	ok(c, http.StatusOK, sessionResponse(rotated))
}

// DeleteSession ends the caller's session. Deleting an already-expired
// session succeeds.
func (h *Handlers) DeleteSession(c *gin.Context) {
	rec := middleware.SessionFrom(c)
	if rec == nil {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "no active session")
		return
	}

	if err := h.sessions.Delete(c.Request.Context(), rec.ID); err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeSessionFailed, "could not delete session")
		return
	}
	noContent(c)
}
