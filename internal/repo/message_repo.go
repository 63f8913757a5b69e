// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/streamguard/go-chat-backend/internal/domain"
)

// NewMessage describes a message to insert. The ID and timestamps are
// assigned by the repository.
type NewMessage struct {
	ChatID          string
	Role            string
	Content         string
	Status          string
	ParentMessageID string
	ClientRequestID string
}

// CreateMessage inserts a new message row. A zero Status defaults to "sent".
func CreateMessage(ctx context.Context, db *gorm.DB, nm NewMessage) (*domain.Message, error) {
	if nm.Status == "" {
		nm.Status = domain.StatusSent
	}
	m := &domain.Message{
		ID:              uuid.NewString(),
		ChatID:          nm.ChatID,
		Role:            nm.Role,
		Content:         nm.Content,
		Status:          nm.Status,
		ParentMessageID: nm.ParentMessageID,
		ClientRequestID: nm.ClientRequestID,
		CreatedAt:       time.Now().UTC(),
	}
	return m, db.WithContext(ctx).Create(m).Error
}

// CreateMessagePair inserts a user message and the assistant reply in one
// transaction so a crash between the two cannot leave an answered prompt
// without its answer. The assistant message is linked to the user message
// through ParentMessageID.
func CreateMessagePair(ctx context.Context, db *gorm.DB, user, assistant NewMessage) (*domain.Message, *domain.Message, error) {
	var um, am *domain.Message
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		um, txErr = CreateMessage(ctx, tx, user)
		if txErr != nil {
			return txErr
		}
		assistant.ParentMessageID = um.ID
		am, txErr = CreateMessage(ctx, tx, assistant)
		return txErr
	})
	if err != nil {
		return nil, nil, err
	}
	return um, am, nil
}

// ListMessages returns messages ordered deterministically (CreatedAt ASC, ID ASC).
func ListMessages(ctx context.Context, db *gorm.DB, chatID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).Where("chat_id = ?", chatID).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListRecentMessages returns the newest limit messages of a chat in
// chronological order. Used to assemble model context without loading the
// full history.
func ListRecentMessages(ctx context.Context, db *gorm.DB, chatID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, chatID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM messages WHERE chat_id = ? AND deleted_at IS NULL", chatID).
		Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC).
func ListMessagesPage(ctx context.Context, db *gorm.DB, chatID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMessageByClientRequestID returns the message in chatID carrying the
// given client correlation id, or (nil, nil) when none exists. Used for
// idempotent replay of retried sends.
func FindMessageByClientRequestID(ctx context.Context, db *gorm.DB, chatID, clientRequestID string) (*domain.Message, error) {
	if clientRequestID == "" {
		return nil, nil
	}
	var m domain.Message
	err := db.WithContext(ctx).
		Where("chat_id = ? AND client_request_id = ?", chatID, clientRequestID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessageStatus sets the delivery status of a message. Returns
// ErrNotFound when no row matches.
func UpdateMessageStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
