package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/streamguard/go-chat-backend/internal/breaker"
)

// fakeProvider serves an OpenAI-compatible chat completion endpoint. The
// handler is swappable per test.
func fakeProvider(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", handler)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := New(Config{
		APIKey:            "test-key",
		BaseURL:           baseURL + "/v1",
		Model:             "test-model",
		MaxRetries:        2,
		RequestsPerSecond: 1000,
		Breaker:           breaker.New(breaker.Options{Name: "upstream-test", FailureThreshold: 50}),
	})
	c.backoff = time.Millisecond
	return c
}

func streamBody(tokens ...string) string {
	var b strings.Builder
	for _, tok := range tokens {
		fmt.Fprintf(&b,
			`data: {"id":"1","object":"chat.completion.chunk","created":1,"model":"test-model","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n",
			tok)
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestStreamForwardsTokensInOrder(t *testing.T) {
	ts := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(streamBody("Hel", "lo", " world")))
	})
	c := newTestClient(t, ts.URL)

	var got []string
	reply, err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(tok string) error {
		got = append(got, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if reply.Content != "Hello world" || reply.Fallback {
		t.Fatalf("reply = %+v", reply)
	}
	want := []string{"Hel", "lo", " world"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tokens = %v, want %v", got, want)
		}
	}
}

func TestStreamRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	ts := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(streamBody("ok")))
	})
	c := newTestClient(t, ts.URL)

	reply, err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(string) error { return nil })
	if err != nil || reply.Content != "ok" {
		t.Fatalf("reply = (%+v, %v), want retried success", reply, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("provider calls = %d, want 2", calls.Load())
	}
}

func TestStreamServesFallbackWhenRetriesExhausted(t *testing.T) {
	ts := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"down"}}`, http.StatusInternalServerError)
	})
	c := newTestClient(t, ts.URL)

	var got []string
	reply, err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(tok string) error {
		got = append(got, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v (fallback should terminate cleanly)", err)
	}
	if !reply.Fallback || reply.Content != FallbackContent {
		t.Fatalf("reply = %+v, want the fallback", reply)
	}
	if len(got) != 1 || got[0] != FallbackContent {
		t.Fatalf("tokens = %v, want the single fallback token", got)
	}
}

func TestStreamDoesNotRetryNonRetryable(t *testing.T) {
	var calls atomic.Int32
	ts := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	})
	c := newTestClient(t, ts.URL)

	_, err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(string) error { return nil })
	if err == nil {
		t.Fatal("expected the provider error to surface")
	}
	if calls.Load() != 1 {
		t.Fatalf("provider calls = %d, want 1 (no retry on 400)", calls.Load())
	}
}

func TestStreamOpenBreakerServesFallbackWithoutCalling(t *testing.T) {
	var calls atomic.Int32
	ts := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	c := newTestClient(t, ts.URL)

	// Trip the breaker directly.
	c.brk = breaker.New(breaker.Options{Name: "tripped", FailureThreshold: 1, Timeout: time.Hour})
	_, _ = breaker.Do(context.Background(), c.brk, func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})

	reply, err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(string) error { return nil })
	if err != nil || !reply.Fallback {
		t.Fatalf("reply = (%+v, %v), want fallback without provider call", reply, err)
	}
	if calls.Load() != 0 {
		t.Fatalf("provider calls = %d, want 0 while breaker open", calls.Load())
	}
}

func TestStreamAbortStopsForwarding(t *testing.T) {
	ts := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(streamBody("a", "b", "c")))
	})
	c := newTestClient(t, ts.URL)

	var got []string
	stop := errors.New("client went away")
	_, err := c.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(tok string) error {
		got = append(got, tok)
		if len(got) == 2 {
			return stop
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected the abort to surface")
	}
	if len(got) != 2 {
		t.Fatalf("tokens after abort = %v, want forwarding to stop at 2", got)
	}
}

func TestCompleteNonStreaming(t *testing.T) {
	ts := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"1","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":"fine"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}
		}`))
	})
	c := newTestClient(t, ts.URL)

	reply, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply.Content != "fine" || reply.TokensUsed != 5 || reply.Fallback {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestConfiguredTemperatureReachesProvider(t *testing.T) {
	var got float64
	ts := fakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Temperature float64 `json:"temperature"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		got = req.Temperature
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"1","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]
		}`))
	})
	c := New(Config{
		APIKey:            "test-key",
		BaseURL:           ts.URL + "/v1",
		Model:             "test-model",
		RequestsPerSecond: 1000,
		Temperature:       0.25,
		Breaker:           breaker.New(breaker.Options{Name: "upstream-test", FailureThreshold: 50}),
	})

	if _, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != 0.25 {
		t.Fatalf("temperature on the wire = %v, want 0.25", got)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"api 429", &openai.APIError{HTTPStatusCode: 429}, true},
		{"api 500", &openai.APIError{HTTPStatusCode: 500}, true},
		{"api 400", &openai.APIError{HTTPStatusCode: 400}, false},
		{"api 401", &openai.APIError{HTTPStatusCode: 401}, false},
		{"request 503", &openai.RequestError{HTTPStatusCode: 503}, true},
		{"transport", &openai.RequestError{HTTPStatusCode: 0}, true},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if n := EstimateTokens(""); n != 0 {
		t.Fatalf("empty = %d, want 0", n)
	}
	if n := EstimateTokens("abcd"); n != 1 {
		t.Fatalf("abcd = %d, want 1", n)
	}
	if n := EstimateTokens("abcde"); n != 2 {
		t.Fatalf("abcde = %d, want 2", n)
	}
}
