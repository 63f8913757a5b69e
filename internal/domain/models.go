// Package domain defines the persistence models for chats and messages.
// These types are mapped with GORM and form the core data layer of the
// chat backend. Session and idempotency records live in Redis and are
// defined next to the components that own them.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Message roles. The check constraint on Message.Role enforces the same set.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message delivery states as observed by clients. A message created
// optimistically on the client starts as "sending" and is replaced by the
// server-assigned record once the send completes.
const (
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusRead    = "read"
)

// Chat represents a conversation owned by a user. Each chat has a generated
// title and contains the messages exchanged between the user and the
// assistant.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: identifier of the chat owner; indexed for efficient retrieval.
//   - Title: human-readable chat title (auto-generated if not provided).
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker (retains row for audit/history).
type Chat struct {
	ID        string         `json:"id"        gorm:"type:char(36);primaryKey"`
	UserID    string         `json:"user_id"   gorm:"type:varchar(64);not null;index:idx_user_chats"`
	Title     string         `json:"title"     gorm:"type:varchar(255);not null;default:'New chat'"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"         gorm:"index"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return "chats" }

// Message represents a single utterance within a chat, authored by the
// "user", the "assistant", or injected as a "system" instruction.
//
// Fields:
//   - ID: UUID primary key (char(36)). Message ids double as cache and
//     ordering keys on clients, so they are always generated with
//     crypto-grade randomness (uuid.NewString), never a weak PRNG.
//   - ChatID: foreign key to the owning chat (indexed).
//   - Role: "user", "assistant", or "system" (enforced by DB constraint).
//   - Content: full text content of the message.
//   - Status: delivery state ("sending", "sent", "failed", "read").
//   - ParentMessageID: optional id of the message this one replies to.
//   - ClientRequestID: correlation id supplied by the client so an optimistic
//     local message can be reconciled with this server record.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker.
//   - Chat: FK association, ensures cascade delete/update.
type Message struct {
	ID              string         `json:"id"         gorm:"type:char(36);primaryKey"`
	ChatID          string         `json:"chat_id"    gorm:"type:char(36);not null;index:idx_chat_msgs,priority:1"`
	Role            string         `json:"role"       gorm:"type:varchar(16);not null;check:role IN ('user','assistant','system')"`
	Content         string         `json:"content"    gorm:"type:text;not null"`
	Status          string         `json:"status"     gorm:"type:varchar(16);not null;default:'sent';check:status IN ('sending','sent','failed','read')"`
	ParentMessageID string         `json:"parent_message_id,omitempty" gorm:"type:char(36);index"`
	ClientRequestID string         `json:"client_request_id,omitempty" gorm:"type:varchar(128);index"`
	CreatedAt       time.Time      `json:"created_at" gorm:"index:idx_chat_msgs,priority:2"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-"          gorm:"index"`

	// Chat is the parent conversation. Messages are cascade-deleted
	// if their chat is removed.
	Chat Chat `json:"-" gorm:"foreignKey:ChatID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Metadata returns the client-facing metadata map for the message. Only the
// client request id is carried today; the accessor keeps the wire shape
// stable if more fields are added.
func (m *Message) Metadata() map[string]string {
	if m.ClientRequestID == "" {
		return nil
	}
	return map[string]string{"clientRequestId": m.ClientRequestID}
}
