// Server-sent events writer.
//
// The writer opens the SSE response lazily: headers are only committed when
// the first event is written. Until then the handler can still answer with a
// plain JSON error and a proper status code, which keeps client error
// handling uniform between the JSON and streaming endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/streamguard/go-chat-backend/internal/http/middleware"
)

// SSE event names emitted by the streaming endpoint.
const (
	sseEventMessage = "message"
	sseEventDone    = "done"
	sseEventError   = "error"
)

// sseDoneSentinel terminates every stream, success or failure, so clients
// can rely on a single end-of-stream marker.
const sseDoneSentinel = "data: [DONE]\n\n"

type sseWriter struct {
	c      *gin.Context
	opened bool
}

// Opened reports whether response headers have been committed.
func (w *sseWriter) Opened() bool { return w.opened }

// open commits the SSE response headers. X-Accel-Buffering disables
// proxy-side buffering (nginx) that would defeat streaming.
func (w *sseWriter) open() {
	h := w.c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.c.Writer.WriteHeader(http.StatusOK)
	w.opened = true
}

// Event writes one named event with a JSON payload and flushes it to the
// client immediately.
func (w *sseWriter) Event(event string, payload any) error {
	if !w.opened {
		w.open()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.c.Writer.WriteString("event: " + event + "\ndata: " + string(data) + "\n\n"); err != nil {
		return err
	}
	w.c.Writer.Flush()
	middleware.CountStreamEvent(event)
	return nil
}

// Done writes the terminal [DONE] sentinel. Safe to call on an unopened
// writer (it opens the stream first) so aborted streams still terminate
// cleanly.
func (w *sseWriter) Done() {
	if !w.opened {
		w.open()
	}
	_, _ = w.c.Writer.WriteString(sseDoneSentinel)
	w.c.Writer.Flush()
}
