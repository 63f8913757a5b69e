// Package session manages server-side session records and their CSRF
// tokens on the shared store.
//
// A session is a small JSON document at session:<id> with a TTL. The CSRF
// token is minted when the session is issued and REGENERATED on every
// rotation (privilege change); a token is never reused across sessions.
//
// Stateless bearer-token sessions have no server-side record. They are
// represented by a session id carrying the "jwt:" prefix, and their CSRF
// proof is derived from the bearer token itself (see JWTFallbackToken and
// the CSRF middleware). That scheme conflates a credential with a CSRF
// proof and is kept only for compatibility with existing clients.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/streamguard/go-chat-backend/internal/store"
)

// ErrNotFound is returned when a session id has no record (expired, deleted,
// or never issued).
var ErrNotFound = errors.New("session not found")

// JWTSessionPrefix marks a stateless bearer-token session id. Such ids have
// no record in the store.
const JWTSessionPrefix = "jwt:"

// Record is a server-side session.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CSRFToken string    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager issues, resolves, rotates, and deletes session records.
type Manager struct {
	store store.Store
	ttl   time.Duration

	// now is a test seam; production code always uses time.Now.
	now func() time.Time
}

// NewManager constructs a Manager. TTL values <= 0 default to 24 hours.
func NewManager(s store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{store: s, ttl: ttl, now: time.Now}
}

// Issue creates a session for userID with a fresh CSRF token.
func (m *Manager) Issue(ctx context.Context, userID string) (*Record, error) {
	rec := &Record{
		ID:        uuid.NewString(),
		UserID:    userID,
		CSRFToken: newCSRFToken(),
		ExpiresAt: m.now().Add(m.ttl).UTC(),
	}
	if err := m.put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get resolves a session id to its record, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := m.store.Get(ctx, key(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Rotate replaces the session's CSRF token, keeping the id and owner. Called
// on privilege changes (login, role elevation) so a token captured before
// the change is useless after it.
func (m *Manager) Rotate(ctx context.Context, id string) (*Record, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.CSRFToken = newCSRFToken()
	rec.ExpiresAt = m.now().Add(m.ttl).UTC()
	if err := m.put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the session record. Deleting a missing session is not an
// error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Del(ctx, key(id))
}

func (m *Manager) put(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.store.SetEX(ctx, key(rec.ID), string(raw), m.ttl)
}

func key(id string) string { return "session:" + id }

// newCSRFToken returns 32 bytes of crypto-grade randomness, hex-encoded.
func newCSRFToken() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure means the process cannot mint secrets at all.
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// JWTFallbackToken derives the CSRF proof accepted for stateless bearer
// sessions: the hex SHA-256 digest of the bearer token.
func JWTFallbackToken(bearerToken string) string {
	sum := sha256.Sum256([]byte(bearerToken))
	return hex.EncodeToString(sum[:])
}
