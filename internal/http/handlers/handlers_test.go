package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/streamguard/go-chat-backend/internal/dedup"
	"github.com/streamguard/go-chat-backend/internal/domain"
	"github.com/streamguard/go-chat-backend/internal/http/middleware"
	"github.com/streamguard/go-chat-backend/internal/repo"
	"github.com/streamguard/go-chat-backend/internal/services"
	"github.com/streamguard/go-chat-backend/internal/session"
	"github.com/streamguard/go-chat-backend/internal/store"
	"github.com/streamguard/go-chat-backend/internal/upstream"
)

// fakeCompleter is a canned model provider for handler tests. Setting
// streamErr makes Stream fail after failAfter tokens have been forwarded.
type fakeCompleter struct {
	reply     string
	err       error
	streamErr error
	failAfter int
	calls     int
}

func (f *fakeCompleter) Complete(ctx context.Context, msgs []upstream.Message) (upstream.Reply, error) {
	f.calls++
	if f.err != nil {
		return upstream.Reply{}, f.err
	}
	return upstream.Reply{Content: f.reply, Model: "fake", TokensUsed: len(f.reply)}, nil
}

func (f *fakeCompleter) Stream(ctx context.Context, msgs []upstream.Message, onToken func(string) error) (upstream.Reply, error) {
	f.calls++
	if f.err != nil {
		return upstream.Reply{}, f.err
	}
	for i, tok := range strings.SplitAfter(f.reply, " ") {
		if f.streamErr != nil && i == f.failAfter {
			return upstream.Reply{}, f.streamErr
		}
		if err := onToken(tok); err != nil {
			return upstream.Reply{}, err
		}
	}
	return upstream.Reply{Content: f.reply, Model: "fake", TokensUsed: len(f.reply)}, nil
}

type testEnv struct {
	r        *gin.Engine
	db       *gorm.DB
	mr       *miniredis.Miniredis
	sessions *session.Manager
	fake     *fakeCompleter
}

// newTestEnv builds a router with real services over SQLite and miniredis,
// mirroring the production wiring minus the global middleware stack.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	st := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })

	sessions := session.NewManager(st, time.Hour)
	deduper := dedup.New(st, 5*time.Second, time.Hour)

	fake := &fakeCompleter{reply: "Hello there, friend."}
	chatSvc := services.NewChatService(db, testChatRepo{})
	msgSvc := services.NewMessageService(db, fake)

	h := New(chatSvc, msgSvc, sessions, deduper)
	sessionMW := middleware.Session(sessions)

	r := gin.New()
	api := r.Group("/api/v1")
	{
		api.POST("/session", sessionMW, h.CreateSession)
		api.GET("/csrf", sessionMW, h.GetCSRFToken)
		api.POST("/session/rotate", sessionMW, h.RotateSession)
		api.DELETE("/session", sessionMW, h.DeleteSession)

		api.POST("/chats", h.CreateChat)
		api.GET("/chats", h.ListChats)
		api.PUT("/chats/:id/title", h.UpdateChatTitle)
		api.DELETE("/chats/:id", h.DeleteChat)

		api.GET("/chats/:id/messages", h.ListMessages)
		api.POST("/chats/:id/messages", h.PostMessage)
		api.POST("/chats/:id/stream", h.StreamMessage)
	}
	return &testEnv{r: r, db: db, mr: mr, sessions: sessions, fake: fake}
}

// testChatRepo proxies the repository free functions, as the router does.
type testChatRepo struct{}

func (testChatRepo) CreateChat(ctx context.Context, db *gorm.DB, userID, title string) (*domain.Chat, error) {
	return repo.CreateChat(ctx, db, userID, title)
}
func (testChatRepo) ListChats(ctx context.Context, db *gorm.DB, userID string) ([]domain.Chat, error) {
	return repo.ListChats(ctx, db, userID)
}
func (testChatRepo) GetChat(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chat, error) {
	return repo.GetChat(ctx, db, id, userID)
}
func (testChatRepo) UpdateChatTitle(ctx context.Context, db *gorm.DB, id, userID, title string) error {
	return repo.UpdateChatTitle(ctx, db, id, userID, title)
}
func (testChatRepo) DeleteChat(ctx context.Context, db *gorm.DB, id, userID string) error {
	return repo.DeleteChat(ctx, db, id, userID)
}
func (testChatRepo) CountChats(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountChats(ctx, db, userID)
}
func (testChatRepo) ListChatsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Chat, error) {
	return repo.ListChatsPage(ctx, db, userID, offset, limit)
}

func doJSON(r *gin.Engine, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seedChat(t *testing.T, userID string) *domain.Chat {
	t.Helper()
	ch, err := repo.CreateChat(context.Background(), e.db, userID, "seed chat")
	if err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	return ch
}

var asAlice = map[string]string{middleware.HeaderUserID: "alice"}

// --- Chats ---

func TestCreateChat(t *testing.T) {
	e := newTestEnv(t)

	w := doJSON(e.r, http.MethodPost, "/api/v1/chats", CreateChatRequest{Title: "  project ideas "}, asAlice)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var ch domain.Chat
	if err := json.Unmarshal(w.Body.Bytes(), &ch); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ch.ID == "" || ch.UserID != "alice" {
		t.Fatalf("chat = %+v", ch)
	}
	if !strings.Contains(strings.ToLower(ch.Title), "project") {
		t.Fatalf("title = %q", ch.Title)
	}
}

func TestCreateChat_BadJSON(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chats", strings.NewReader("{nope"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), ErrCodeBadRequest) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestListChats_PaginationAndETag(t *testing.T) {
	e := newTestEnv(t)
	for i := 0; i < 3; i++ {
		e.seedChat(t, "alice")
	}

	w := doJSON(e.r, http.MethodGet, "/api/v1/chats?page=1&page_size=2", nil, asAlice)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ListChatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Chats) != 2 || resp.Pagination.Total != 3 || !resp.Pagination.HasNext {
		t.Fatalf("resp = %+v", resp.Pagination)
	}

	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	hdr := map[string]string{middleware.HeaderUserID: "alice", "If-None-Match": etag}
	if w := doJSON(e.r, http.MethodGet, "/api/v1/chats?page=1&page_size=2", nil, hdr); w.Code != http.StatusNotModified {
		t.Fatalf("conditional status = %d", w.Code)
	}
}

func TestUpdateChatTitle(t *testing.T) {
	e := newTestEnv(t)
	ch := e.seedChat(t, "alice")

	w := doJSON(e.r, http.MethodPut, "/api/v1/chats/"+ch.ID+"/title", UpdateChatTitleRequest{Title: "renamed"}, asAlice)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// Another user cannot rename it.
	other := map[string]string{middleware.HeaderUserID: "mallory"}
	if w := doJSON(e.r, http.MethodPut, "/api/v1/chats/"+ch.ID+"/title", UpdateChatTitleRequest{Title: "stolen"}, other); w.Code != http.StatusNotFound {
		t.Fatalf("foreign rename status = %d", w.Code)
	}

	if w := doJSON(e.r, http.MethodPut, "/api/v1/chats/not-a-uuid/title", UpdateChatTitleRequest{Title: "x"}, asAlice); w.Code != http.StatusBadRequest {
		t.Fatalf("bad uuid status = %d", w.Code)
	}
}

func TestDeleteChat(t *testing.T) {
	e := newTestEnv(t)
	ch := e.seedChat(t, "alice")

	if w := doJSON(e.r, http.MethodDelete, "/api/v1/chats/"+ch.ID, nil, asAlice); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	// Gone now.
	if w := doJSON(e.r, http.MethodDelete, "/api/v1/chats/"+ch.ID, nil, asAlice); w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", w.Code)
	}
}

// --- Messages ---

func TestPostMessage(t *testing.T) {
	e := newTestEnv(t)
	ch := e.seedChat(t, "alice")

	body := PostMessageRequest{Content: "What is Go?", ClientRequestID: "cli-1"}
	w := doJSON(e.r, http.MethodPost, "/api/v1/chats/"+ch.ID+"/messages", body, asAlice)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp PostMessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Message == nil || resp.Message.Content != e.fake.reply {
		t.Fatalf("assistant = %+v", resp.Message)
	}
	if resp.UserMessage == nil || resp.UserMessage.Content != "What is Go?" {
		t.Fatalf("user message = %+v", resp.UserMessage)
	}
	if resp.Metadata["clientRequestId"] != "cli-1" {
		t.Fatalf("metadata = %v", resp.Metadata)
	}
	if resp.Replayed || resp.Fallback {
		t.Fatalf("flags unexpected: %+v", resp)
	}
}

func TestPostMessage_Validation(t *testing.T) {
	e := newTestEnv(t)
	ch := e.seedChat(t, "alice")

	if w := doJSON(e.r, http.MethodPost, "/api/v1/chats/nope/messages", PostMessageRequest{Content: "x"}, asAlice); w.Code != http.StatusBadRequest {
		t.Fatalf("bad uuid = %d", w.Code)
	}
	if w := doJSON(e.r, http.MethodPost, "/api/v1/chats/"+uuid.NewString()+"/messages", PostMessageRequest{Content: "x"}, asAlice); w.Code != http.StatusNotFound {
		t.Fatalf("unknown chat = %d", w.Code)
	}
	if w := doJSON(e.r, http.MethodPost, "/api/v1/chats/"+ch.ID+"/messages", PostMessageRequest{Content: "   "}, asAlice); w.Code != http.StatusBadRequest {
		t.Fatalf("blank content = %d", w.Code)
	}
	long := strings.Repeat("a", maxContentChars+1)
	if w := doJSON(e.r, http.MethodPost, "/api/v1/chats/"+ch.ID+"/messages", PostMessageRequest{Content: long}, asAlice); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("too long = %d", w.Code)
	}
	if e.fake.calls != 0 {
		t.Fatalf("upstream called %d times for invalid input", e.fake.calls)
	}
}

func TestPostMessage_IdempotentReplay(t *testing.T) {
	e := newTestEnv(t)
	ch := e.seedChat(t, "alice")

	hdr := map[string]string{
		middleware.HeaderUserID:    "alice",
		dedup.HeaderIdempotencyKey: "idem-42",
	}
	body := PostMessageRequest{Content: "first ask"}

	w1 := doJSON(e.r, http.MethodPost, "/api/v1/chats/"+ch.ID+"/messages", body, hdr)
	if w1.Code != http.StatusOK {
		t.Fatalf("first status = %d", w1.Code)
	}
	if w1.Header().Get(HeaderIdempotencyReplayed) != "" {
		t.Fatal("first response marked replayed")
	}

	w2 := doJSON(e.r, http.MethodPost, "/api/v1/chats/"+ch.ID+"/messages", body, hdr)
	if w2.Code != http.StatusOK {
		t.Fatalf("replay status = %d", w2.Code)
	}
	if w2.Header().Get(HeaderIdempotencyReplayed) != "true" {
		t.Fatal("replay missing marker header")
	}
	if !bytes.Equal(w1.Body.Bytes(), w2.Body.Bytes()) {
		t.Fatal("replay bytes differ from original")
	}
	if e.fake.calls != 1 {
		t.Fatalf("upstream calls = %d, want 1", e.fake.calls)
	}
}

func TestListMessages(t *testing.T) {
	e := newTestEnv(t)
	ch := e.seedChat(t, "alice")

	doJSON(e.r, http.MethodPost, "/api/v1/chats/"+ch.ID+"/messages", PostMessageRequest{Content: "hi"}, asAlice)

	w := doJSON(e.r, http.MethodGet, "/api/v1/chats/"+ch.ID+"/messages", nil, asAlice)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ListMessagesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Messages) != 2 || resp.Messages[0].Role != domain.RoleUser || resp.Messages[1].Role != domain.RoleAssistant {
		t.Fatalf("messages = %+v", resp.Messages)
	}

	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	hdr := map[string]string{middleware.HeaderUserID: "alice", "If-None-Match": etag}
	if w := doJSON(e.r, http.MethodGet, "/api/v1/chats/"+ch.ID+"/messages", nil, hdr); w.Code != http.StatusNotModified {
		t.Fatalf("conditional status = %d", w.Code)
	}
}

// --- Sessions ---

func TestSessionLifecycle(t *testing.T) {
	e := newTestEnv(t)

	w := doJSON(e.r, http.MethodPost, "/api/v1/session", nil, asAlice)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	var sess SessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.SessionID == "" || sess.CSRFToken == "" {
		t.Fatalf("session = %+v", sess)
	}

	withSession := map[string]string{middleware.HeaderSessionID: sess.SessionID}

	// The token endpoint returns the same token.
	w = doJSON(e.r, http.MethodGet, "/api/v1/csrf", nil, withSession)
	if w.Code != http.StatusOK {
		t.Fatalf("csrf status = %d", w.Code)
	}
	var tok CSRFTokenResponse
	_ = json.Unmarshal(w.Body.Bytes(), &tok)
	if tok.CSRFToken != sess.CSRFToken {
		t.Fatal("csrf token mismatch")
	}

	// Rotation mints a different token for the same session.
	w = doJSON(e.r, http.MethodPost, "/api/v1/session/rotate", nil, withSession)
	if w.Code != http.StatusOK {
		t.Fatalf("rotate status = %d", w.Code)
	}
	var rotated SessionResponse
	_ = json.Unmarshal(w.Body.Bytes(), &rotated)
	if rotated.SessionID != sess.SessionID || rotated.CSRFToken == sess.CSRFToken {
		t.Fatalf("rotate = %+v", rotated)
	}

	// Deletion invalidates the session.
	if w := doJSON(e.r, http.MethodDelete, "/api/v1/session", nil, withSession); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w := doJSON(e.r, http.MethodGet, "/api/v1/csrf", nil, withSession); w.Code != http.StatusUnauthorized {
		t.Fatalf("post-delete csrf status = %d", w.Code)
	}
}

func TestGetCSRFToken_JWTFallback(t *testing.T) {
	e := newTestEnv(t)

	hdr := map[string]string{
		middleware.HeaderSessionID: session.JWTSessionPrefix + "abc",
		"Authorization":            "Bearer tok-123",
	}
	w := doJSON(e.r, http.MethodGet, "/api/v1/csrf", nil, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var tok CSRFTokenResponse
	_ = json.Unmarshal(w.Body.Bytes(), &tok)
	if tok.CSRFToken != session.JWTFallbackToken("tok-123") {
		t.Fatal("fallback token mismatch")
	}

	// No bearer token: refuse.
	if w := doJSON(e.r, http.MethodGet, "/api/v1/csrf", nil, map[string]string{
		middleware.HeaderSessionID: session.JWTSessionPrefix + "abc",
	}); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing bearer status = %d", w.Code)
	}
}

// --- Streaming ---

func TestStreamMessage(t *testing.T) {
	e := newTestEnv(t)
	ch := e.seedChat(t, "alice")

	w := doJSON(e.r, http.MethodPost, "/api/v1/chats/"+ch.ID+"/stream", PostMessageRequest{Content: "stream it"}, asAlice)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: "+sseEventMessage) {
		t.Fatalf("no message events in %q", body)
	}
	if !strings.Contains(body, "event: "+sseEventDone) {
		t.Fatalf("no done event in %q", body)
	}
	if !strings.HasSuffix(body, sseDoneSentinel) {
		t.Fatalf("stream not terminated with sentinel: %q", body)
	}

	// Both sides of the exchange were persisted.
	msgs, err := repo.ListMessages(context.Background(), e.db, ch.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Status != domain.StatusSent || msgs[1].Role != domain.RoleAssistant {
		t.Fatalf("persisted = %+v", msgs)
	}
}

func TestStreamMessage_ErrorsBeforeStreamAreJSON(t *testing.T) {
	e := newTestEnv(t)

	w := doJSON(e.r, http.MethodPost, "/api/v1/chats/"+uuid.NewString()+"/stream", PostMessageRequest{Content: "x"}, asAlice)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), ErrCodeNotFound) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestStreamMessage_MidStreamFailureEmitsSingleErrorEvent(t *testing.T) {
	e := newTestEnv(t)
	ch := e.seedChat(t, "alice")
	e.fake.streamErr = errors.New("provider dropped the connection")
	e.fake.failAfter = 2

	w := doJSON(e.r, http.MethodPost, "/api/v1/chats/"+ch.ID+"/stream", PostMessageRequest{Content: "break midway"}, asAlice)
	// The 200 status is already committed once tokens are on the wire.
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()

	if got := strings.Count(body, "event: "+sseEventError); got != 1 {
		t.Fatalf("error events = %d, want exactly 1 in %q", got, body)
	}
	if strings.Contains(body, "event: "+sseEventDone) {
		t.Fatalf("done event after a failed stream: %q", body)
	}
	if got := strings.Count(body, "event: "+sseEventMessage); got != 2 {
		t.Fatalf("message events = %d, want the 2 forwarded before the failure", got)
	}
	errAt := strings.Index(body, "event: "+sseEventError)
	if strings.Contains(body[errAt:], "event: "+sseEventMessage) {
		t.Fatalf("message event after the error event: %q", body)
	}
	if !strings.HasSuffix(body, sseDoneSentinel) {
		t.Fatalf("stream not terminated with sentinel: %q", body)
	}

	// The prompt stays recorded with its status settled to failed.
	msgs, err := repo.ListMessages(context.Background(), e.db, ch.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Status != domain.StatusFailed {
		t.Fatalf("persisted = %+v", msgs)
	}
}

func TestStreamMessage_ReplaySingleEvent(t *testing.T) {
	e := newTestEnv(t)
	ch := e.seedChat(t, "alice")

	body := PostMessageRequest{Content: "once only", ClientRequestID: "cli-stream-1"}
	if w := doJSON(e.r, http.MethodPost, "/api/v1/chats/"+ch.ID+"/stream", body, asAlice); w.Code != http.StatusOK {
		t.Fatalf("first status = %d", w.Code)
	}

	w := doJSON(e.r, http.MethodPost, "/api/v1/chats/"+ch.ID+"/stream", body, asAlice)
	if w.Code != http.StatusOK {
		t.Fatalf("replay status = %d", w.Code)
	}
	if got := strings.Count(w.Body.String(), "event: "+sseEventMessage); got != 1 {
		t.Fatalf("replay message events = %d, want 1", got)
	}
	if e.fake.calls != 1 {
		t.Fatalf("upstream calls = %d, want 1", e.fake.calls)
	}
	var done streamDonePayload
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if strings.HasPrefix(line, "data: {") && strings.Contains(line, "message_id") {
			_ = json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &done)
		}
	}
	if !done.Replayed {
		t.Fatalf("done payload = %+v", done)
	}

	if n, err := repo.CountMessages(context.Background(), e.db, ch.ID); err != nil || n != 2 {
		t.Fatalf("count = %d, err = %v", n, err)
	}
}

func TestClampPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query    string
		page, sz int
	}{
		{"", 1, 20},
		{"?page=3&page_size=50", 3, 50},
		{"?page=-1&page_size=0", 1, 1},
		{"?page_size=9999", 1, 100},
		{"?page=abc", 1, 20},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/x"+tc.query, nil)
		p, s := clampPagination(c)
		if p != tc.page || s != tc.sz {
			t.Fatalf("clampPagination(%q) = (%d,%d), want (%d,%d)", tc.query, p, s, tc.page, tc.sz)
		}
	}
}

func TestSanitizeContent(t *testing.T) {
	in := "a\r\nb\r\rc\n\n\n\n\nd"
	want := "a\nb\n\nc\n\nd"
	if got := sanitizeContent(in); got != want {
		t.Fatalf("sanitizeContent = %q, want %q", got, want)
	}
}
