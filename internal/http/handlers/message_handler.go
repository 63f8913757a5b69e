// Message HTTP handlers.
//
// This file exposes the message endpoints of a chat:
//   - POST /chats/{id}/messages   (ask, idempotent via X-Idempotency-Key)
//   - GET  /chats/{id}/messages   (list, paginated, ETag support)
//
// The POST path carries the full resilience stack: a cached idempotent
// response is replayed byte-for-byte before the service is invoked, and
// service/upstream failures are mapped to stable error codes.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/streamguard/go-chat-backend/internal/breaker"
	"github.com/streamguard/go-chat-backend/internal/dedup"
	"github.com/streamguard/go-chat-backend/internal/domain"
	"github.com/streamguard/go-chat-backend/internal/http/middleware"
	"github.com/streamguard/go-chat-backend/internal/repo"
	"github.com/streamguard/go-chat-backend/internal/services"
)

// maxContentChars bounds the prompt length accepted at the transport layer,
// before the service applies its own rune budget.
const maxContentChars = 4000

// HeaderIdempotencyReplayed marks a response served from the idempotency
// cache rather than computed fresh.
const HeaderIdempotencyReplayed = "Idempotency-Replayed"

// PostMessageRequest is the JSON payload for sending a message.
type PostMessageRequest struct {
	// Content is the user prompt (required).
	Content string `json:"content" binding:"required"`
	// ClientRequestID lets clients detect duplicate submissions across
	// reconnects; replays of a completed send return the stored reply.
	ClientRequestID string `json:"client_request_id"`
}

// PostMessageResponse is the reply to a successful message send.
type PostMessageResponse struct {
	// Message is the assistant reply.
	Message *domain.Message `json:"message"`
	// UserMessage is the persisted user prompt.
	UserMessage *domain.Message `json:"user_message"`
	// Metadata echoes client-facing message metadata (client request id).
	Metadata map[string]string `json:"metadata,omitempty"`
	// Model and TokensUsed echo the provider's reply (absent on replays).
	Model      string `json:"model,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	// Replayed is true when the reply came from an earlier completed send.
	Replayed bool `json:"replayed,omitempty"`
	// Fallback is true when the reply is a canned degraded-mode answer.
	Fallback bool `json:"fallback,omitempty"`
	// ContextTruncated reports that older history was dropped to fit the
	// model's token budget; ContextRemoved counts the dropped messages.
	ContextTruncated bool `json:"context_truncated,omitempty"`
	ContextRemoved   int  `json:"context_removed,omitempty"`
}

// ListMessagesResponse wraps a page of messages and pagination information.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// newlineRuns collapses runs of three or more newlines down to two.
var newlineRuns = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes line endings and collapses excessive blank
// lines. HTML stripping happens in the service layer so every caller gets it.
func sanitizeContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = newlineRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// PostMessage appends a user prompt to a chat and returns the assistant
// reply. Identical retries within the idempotency TTL receive the original
// response bytes with the Idempotency-Replayed header set.
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	chatID := c.Param("id")
	if _, err := uuid.Parse(chatID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat id must be a UUID")
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	if utf8.RuneCountInString(content) > maxContentChars {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
			fmt.Sprintf("content exceeds %d characters", maxContentChars))
		return
	}

	// Replay a cached idempotent response before doing any work.
	idemKey := h.idempotencyKey(c)
	if h.dedup != nil && idemKey != "" {
		if payload, hit := h.dedup.CheckIdempotency(ctx, uid, idemKey); hit {
			c.Header(HeaderIdempotencyReplayed, "true")
			c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
			return
		}
	}

	ans, err := h.msgSvc.Send(ctx, uid, chatID, content, req.ClientRequestID)
	if err != nil {
		h.failSend(c, err)
		return
	}

	resp := PostMessageResponse{
		Message:          ans.AssistantMessage,
		UserMessage:      ans.UserMessage,
		Metadata:         ans.AssistantMessage.Metadata(),
		Model:            ans.Model,
		TokensUsed:       ans.TokensUsed,
		Replayed:         ans.Replayed,
		Fallback:         ans.Fallback,
		ContextTruncated: ans.Truncated,
		ContextRemoved:   ans.RemovedCount,
	}

	if h.dedup != nil && idemKey != "" {
		if payload, merr := json.Marshal(resp); merr == nil {
			h.dedup.StoreIdempotencyKey(ctx, uid, idemKey, payload)
		}
	}

	ok(c, http.StatusOK, resp)
}

// ListMessages returns a page of messages in a chat owned by the current
// user. Supports weak ETag via If-None-Match and may return 304.
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	chatID := c.Param("id")
	if _, err := uuid.Parse(chatID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat id must be a UUID")
		return
	}
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if db := h.msgDB(); db != nil {
		count, maxTS, err := repo.MessagesStats(ctx, db, chatID)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d"`, chatID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.msgSvc.ListPage(ctx, uid, chatID, page, pageSize)
	if err != nil {
		if errors.Is(err, services.ErrChatNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "chat not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// idempotencyKey resolves the replay-cache key for the request: the key the
// dedup middleware computed, falling back to the raw header when the route
// is not behind that middleware.
func (h *Handlers) idempotencyKey(c *gin.Context) string {
	if k := middleware.DedupKey(c); k != "" {
		return k
	}
	return c.GetHeader(dedup.HeaderIdempotencyKey)
}

// failSend maps message-service errors to HTTP responses.
func (h *Handlers) failSend(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrChatNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "chat not found")
	case errors.Is(err, services.ErrEmptyPrompt):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
	case errors.Is(err, services.ErrTooLong):
		fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "content too long")
	case errors.Is(err, breaker.ErrOpen):
		fail(c, http.StatusServiceUnavailable, ErrCodeCircuitOpen, "assistant temporarily unavailable")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeAnswerFailed, "failed to answer message")
	}
}
