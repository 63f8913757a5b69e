package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/streamguard/go-chat-backend/internal/store"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return NewManager(s, ttl), mr
}

func TestIssueAndGet(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	rec, err := m.Issue(ctx, "u1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if rec.ID == "" || rec.UserID != "u1" {
		t.Fatalf("issued record = %+v", rec)
	}
	if len(rec.CSRFToken) != 64 {
		t.Fatalf("CSRF token length = %d, want 64 hex chars", len(rec.CSRFToken))
	}

	got, err := m.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CSRFToken != rec.CSRFToken || got.UserID != rec.UserID {
		t.Fatalf("Get = %+v, want %+v", got, rec)
	}
}

func TestGetMissing(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSessionExpires(t *testing.T) {
	m, mr := newTestManager(t, time.Minute)
	ctx := context.Background()

	rec, _ := m.Issue(ctx, "u1")
	mr.FastForward(2 * time.Minute)
	if _, err := m.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session err = %v, want ErrNotFound", err)
	}
}

func TestRotateRegeneratesCSRFToken(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	rec, _ := m.Issue(ctx, "u1")
	before := rec.CSRFToken

	rotated, err := m.Rotate(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated.CSRFToken == before {
		t.Fatal("rotation must mint a new CSRF token")
	}
	if rotated.ID != rec.ID || rotated.UserID != rec.UserID {
		t.Fatalf("rotation changed identity: %+v", rotated)
	}

	// The stored record reflects the rotation.
	got, _ := m.Get(ctx, rec.ID)
	if got.CSRFToken != rotated.CSRFToken {
		t.Fatal("stored token does not match rotated token")
	}
}

func TestDelete(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	rec, _ := m.Issue(ctx, "u1")
	if err := m.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted session err = %v, want ErrNotFound", err)
	}
	// Idempotent.
	if err := m.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestJWTFallbackToken(t *testing.T) {
	sum := sha256.Sum256([]byte("bearer-abc"))
	if got := JWTFallbackToken("bearer-abc"); got != hex.EncodeToString(sum[:]) {
		t.Fatalf("fallback token = %q", got)
	}
}
