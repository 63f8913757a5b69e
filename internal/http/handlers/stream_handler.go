// Streaming message handler.
//
// POST /chats/{id}/stream is the SSE twin of PostMessage: the same
// validation, persistence, and replay semantics, but assistant tokens are
// forwarded to the client as they arrive. Failures before the first token
// surface as ordinary JSON errors; failures mid-stream surface as an "error"
// event because the 200 status is already on the wire.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/streamguard/go-chat-backend/internal/http/middleware"
)

// Stream outcome labels, recorded per stream on close.
const (
	streamOutcomeCompleted = "completed"
	streamOutcomeFallback  = "fallback"
	streamOutcomeAborted   = "aborted"
	streamOutcomeFailed    = "failed"
)

// streamTokenPayload is the data body of each "message" event.
type streamTokenPayload struct {
	Token string `json:"token"`
}

// streamDonePayload is the data body of the "done" event.
type streamDonePayload struct {
	Model            string            `json:"model"`
	TokensUsed       int               `json:"tokensUsed"`
	MessageID        string            `json:"message_id"`
	UserMessageID    string            `json:"user_message_id"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Replayed         bool              `json:"replayed,omitempty"`
	Fallback         bool              `json:"fallback,omitempty"`
	ContextTruncated bool              `json:"context_truncated,omitempty"`
	ContextRemoved   int               `json:"context_removed,omitempty"`
}

// streamErrorPayload is the data body of the "error" event.
type streamErrorPayload struct {
	Message string `json:"message"`
}

// StreamMessage appends a user prompt to a chat and streams the assistant
// reply over SSE.
func (h *Handlers) StreamMessage(c *gin.Context) {
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

	w := &sseWriter{c: c}
	closed := middleware.StreamOpened()
	outcome := streamOutcomeFailed
	defer func() { closed(outcome) }()

	aborted := false
	onToken := func(token string) error {
		select {
		case <-ctx.Done():
			aborted = true
			return context.Cause(ctx)
		default:
		}
		return w.Event(sseEventMessage, streamTokenPayload{Token: token})
	}

	ans, err := h.msgSvc.Stream(ctx, uid, chatID, content, req.ClientRequestID, onToken)
	if err != nil {
		if aborted || errors.Is(err, context.Canceled) {
			// The client hung up; persistence already settled in the service.
			outcome = streamOutcomeAborted
			return
		}
		if !w.Opened() {
			// Nothing on the wire yet, a real status code is still possible.
			h.failSend(c, err)
			return
		}
		_ = w.Event(sseEventError, streamErrorPayload{
			Message: "stream failed",
		})
		w.Done()
		return
	}

	done := streamDonePayload{
		Model:            ans.Model,
		TokensUsed:       ans.TokensUsed,
		MessageID:        ans.AssistantMessage.ID,
		UserMessageID:    ans.UserMessage.ID,
		Metadata:         ans.AssistantMessage.Metadata(),
		Replayed:         ans.Replayed,
		Fallback:         ans.Fallback,
		ContextTruncated: ans.Truncated,
		ContextRemoved:   ans.RemovedCount,
	}
	if err := w.Event(sseEventDone, done); err != nil {
		outcome = streamOutcomeAborted
		return
	}
	w.Done()

	if ans.Fallback {
		outcome = streamOutcomeFallback
	} else {
		outcome = streamOutcomeCompleted
	}
}
