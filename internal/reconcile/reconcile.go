// Package reconcile merges optimistic client-side messages with the
// authoritative records returned by the server.
//
// A client renders an optimistic message (temporary id, status "sending")
// before the server responds. When the server record arrives, directly or
// via a background refetch, the optimistic entry must be replaced exactly
// once, never duplicated, even when the response and a refetch race. The
// functions here are pure and perform no I/O.
//
// Nothing in the server request path imports this package: it exists for
// client-side consumers of the API (frontends, CLI tools) that maintain an
// optimistic message list against the message endpoints.
package reconcile

import (
	"sort"

	"github.com/streamguard/go-chat-backend/internal/domain"
)

// Dedupe collapses messages sharing an id, keeping the copy with the latest
// UpdatedAt (ties keep the one appearing later in the input). The result is
// ordered by ascending (CreatedAt, UpdatedAt, original input position).
func Dedupe(messages []domain.Message) []domain.Message {
	type slot struct {
		msg domain.Message
		pos int
	}

	byID := make(map[string]int, len(messages))
	kept := make([]slot, 0, len(messages))

	for i, m := range messages {
		idx, seen := byID[m.ID]
		if !seen {
			byID[m.ID] = len(kept)
			kept = append(kept, slot{msg: m, pos: i})
			continue
		}
		// Later UpdatedAt wins; an equal timestamp also prefers the later
		// entry, which is the fresher write in input order.
		if !m.UpdatedAt.Before(kept[idx].msg.UpdatedAt) {
			kept[idx] = slot{msg: m, pos: i}
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		if !a.msg.UpdatedAt.Equal(b.msg.UpdatedAt) {
			return a.msg.UpdatedAt.Before(b.msg.UpdatedAt)
		}
		return a.pos < b.pos
	})

	out := make([]domain.Message, len(kept))
	for i, s := range kept {
		out[i] = s.msg
	}
	return out
}

// Options identifies the optimistic entry a Reconcile call should replace.
type Options struct {
	// Existing is the client's current view of the conversation.
	Existing []domain.Message
	// Incoming is the authoritative server result; Incoming[0] replaces the
	// optimistic entry, any further messages are appended.
	Incoming []domain.Message
	// ClientRequestID correlates the optimistic entry with the server
	// record when the temporary id is no longer known.
	ClientRequestID string
	// OptimisticMessageID is the temporary local id assigned at render time.
	OptimisticMessageID string
}

// Reconcile replaces the first existing message matching the optimistic id
// or the client request id with Incoming[0] (appending it when no match
// exists), appends the remaining incoming messages, and dedupes the result.
//
// Replacement happens in place, so the merged message keeps the optimistic
// entry's position until ordering is re-derived by Dedupe. Because Dedupe
// collapses by id, a server record that already arrived through a refetch
// cannot appear twice.
func Reconcile(opts Options) []domain.Message {
	merged := make([]domain.Message, len(opts.Existing))
	copy(merged, opts.Existing)

	if len(opts.Incoming) == 0 {
		return Dedupe(merged)
	}

	replaced := false
	for i, m := range merged {
		if matches(m, opts) {
			merged[i] = opts.Incoming[0]
			replaced = true
			break
		}
	}
	if !replaced {
		merged = append(merged, opts.Incoming[0])
	}
	merged = append(merged, opts.Incoming[1:]...)

	return Dedupe(merged)
}

// matches reports whether m is the optimistic entry the caller wants
// replaced. Empty correlation values never match.
func matches(m domain.Message, opts Options) bool {
	if opts.OptimisticMessageID != "" && m.ID == opts.OptimisticMessageID {
		return true
	}
	return opts.ClientRequestID != "" && m.ClientRequestID == opts.ClientRequestID
}
