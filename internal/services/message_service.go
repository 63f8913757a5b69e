// Package services – MessageService
//
// This file implements MessageService, the application-level component that
// owns the lifecycle of chat messages and assistant replies. It validates and
// sanitizes inputs, checks chat ownership, assembles the model context from
// recent history under a token budget, calls the upstream model (streaming or
// not), and persists the user/assistant message pair.
//
// Optional enhancement: it also auto-generates a chat title from the first
// user prompt when the chat still has a default/empty title.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include chat/user identifiers and pagination parameters where applicable.

package services

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/streamguard/go-chat-backend/internal/domain"
	"github.com/streamguard/go-chat-backend/internal/repo"
	"github.com/streamguard/go-chat-backend/internal/upstream"
)

const (
	// default titles we consider placeholders eligible for auto-generation
	defaultTitleNew      = "New chat"
	defaultTitleUntitled = "Untitled"
)

// MessageService coordinates message persistence and model-backed answers.
type MessageService struct {
	DB       *gorm.DB
	Upstream upstream.Completer

	// SystemPrompt, when non-empty, is prepended to every model context.
	SystemPrompt string

	// MaxPromptRunes caps prompt length; longer prompts fail with ErrTooLong.
	MaxPromptRunes int
	// HistoryLimit caps how many recent messages are loaded for context.
	HistoryLimit int
	// TokenBudget caps the estimated token size of the assembled context.
	TokenBudget int

	// Title generation config
	TitleLocale language.Tag
	TitleMaxLen int

	sanitizer *bluemonday.Policy
}

// NewMessageService constructs a MessageService with production defaults.
func NewMessageService(db *gorm.DB, up upstream.Completer) *MessageService {
	return &MessageService{
		DB:             db,
		Upstream:       up,
		MaxPromptRunes: 4000,
		HistoryLimit:   50,
		TokenBudget:    3000,
		TitleLocale:    language.Und,
		TitleMaxLen:    60,
		sanitizer:      bluemonday.StrictPolicy(),
	}
}

// Answer is the result of a completed send.
type Answer struct {
	UserMessage      *domain.Message
	AssistantMessage *domain.Message
	// Fallback marks a static unavailable-reply instead of model output.
	Fallback bool
	// Truncated reports that history was dropped to fit the token budget;
	// RemovedCount is how many messages were dropped.
	Truncated    bool
	RemovedCount int
	// Replayed marks an idempotent replay of an earlier send rather than a
	// fresh model call.
	Replayed bool
	// Model and TokensUsed echo the provider's reply. Both are zero on
	// replays, where no model call happened.
	Model      string
	TokensUsed int
}

// Send validates the prompt, replays idempotent retries, calls the model, and
// persists the user/assistant pair atomically. It may auto-generate a chat
// title from the first prompt.
func (s *MessageService) Send(ctx context.Context, userID, chatID, prompt, clientRequestID string) (*Answer, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	chat, prompt, err := s.prepare(ctx, userID, chatID, prompt)
	if err != nil {
		return nil, err
	}

	if replay, err := s.findReplay(ctx, chatID, clientRequestID); err != nil {
		return nil, err
	} else if replay != nil {
		span.SetAttributes(attribute.Bool("replayed", true))
		return replay, nil
	}

	msgs, truncated, removed, err := s.assembleContext(ctx, chatID, prompt)
	if err != nil {
		return nil, err
	}

	reply, err := s.Upstream.Complete(ctx, msgs)
	if err != nil {
		return nil, err
	}

	um, am, err := s.persistPair(ctx, chat, prompt, reply.Content, clientRequestID)
	if err != nil {
		return nil, err
	}
	return &Answer{
		UserMessage:      um,
		AssistantMessage: am,
		Fallback:         reply.Fallback,
		Truncated:        truncated,
		RemovedCount:     removed,
		Model:            reply.Model,
		TokensUsed:       reply.TokensUsed,
	}, nil
}

// Stream behaves like Send but forwards each model token to onToken as it
// arrives. The user message is persisted with status "sending" before the
// model call so an interrupted stream still records the prompt; its status is
// settled to "sent" or "failed" afterwards.
func (s *MessageService) Stream(ctx context.Context, userID, chatID, prompt, clientRequestID string, onToken func(token string) error) (*Answer, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Stream",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	chat, prompt, err := s.prepare(ctx, userID, chatID, prompt)
	if err != nil {
		return nil, err
	}

	if replay, err := s.findReplay(ctx, chatID, clientRequestID); err != nil {
		return nil, err
	} else if replay != nil {
		// Replay the stored reply as a single token so the stream shape is
		// preserved for retried requests.
		span.SetAttributes(attribute.Bool("replayed", true))
		if err := onToken(replay.AssistantMessage.Content); err != nil {
			return nil, err
		}
		return replay, nil
	}

	msgs, truncated, removed, err := s.assembleContext(ctx, chatID, prompt)
	if err != nil {
		return nil, err
	}

	um, err := repo.CreateMessage(ctx, s.DB, repo.NewMessage{
		ChatID:          chatID,
		Role:            domain.RoleUser,
		Content:         prompt,
		Status:          domain.StatusSending,
		ClientRequestID: clientRequestID,
	})
	if err != nil {
		return nil, err
	}

	reply, err := s.Upstream.Stream(ctx, msgs, onToken)
	if err != nil {
		if serr := repo.UpdateMessageStatus(context.WithoutCancel(ctx), s.DB, um.ID, domain.StatusFailed); serr != nil {
			log.Warn().Err(serr).Str("message_id", um.ID).Msg("could not mark user message failed")
		}
		return nil, err
	}

	var am *domain.Message
	txErr := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.UpdateMessageStatus(ctx, tx, um.ID, domain.StatusSent); err != nil {
			return err
		}
		var cerr error
		am, cerr = repo.CreateMessage(ctx, tx, repo.NewMessage{
			ChatID:          chatID,
			Role:            domain.RoleAssistant,
			Content:         reply.Content,
			ParentMessageID: um.ID,
		})
		if cerr != nil {
			return cerr
		}
		s.maybeAutoTitle(tx, chat, prompt)
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	um.Status = domain.StatusSent

	return &Answer{
		UserMessage:      um,
		AssistantMessage: am,
		Fallback:         reply.Fallback,
		Truncated:        truncated,
		RemovedCount:     removed,
		Model:            reply.Model,
		TokensUsed:       reply.TokensUsed,
	}, nil
}

// ListPage returns paginated messages for a chat owned by userID.
func (s *MessageService) ListPage(ctx context.Context, userID, chatID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	if _, err := repo.GetChat(ctx, s.DB, chatID, userID); err != nil {
		return nil, 0, ErrChatNotFound
	}

	total, err := repo.CountMessages(ctx, s.DB, chatID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(ctx, s.DB, chatID, offset, pageSize)
	return items, total, err
}

// prepare validates ownership and normalizes the prompt.
func (s *MessageService) prepare(ctx context.Context, userID, chatID, prompt string) (*domain.Chat, string, error) {
	prompt = strings.TrimSpace(s.sanitize(prompt))
	if prompt == "" {
		return nil, "", ErrEmptyPrompt
	}
	if s.MaxPromptRunes > 0 && utf8.RuneCountInString(prompt) > s.MaxPromptRunes {
		return nil, "", ErrTooLong
	}

	chat, err := repo.GetChat(ctx, s.DB, chatID, userID)
	if err != nil {
		return nil, "", ErrChatNotFound
	}
	return chat, prompt, nil
}

// sanitize strips HTML from user input before it reaches storage or the model.
func (s *MessageService) sanitize(prompt string) string {
	if s.sanitizer == nil {
		s.sanitizer = bluemonday.StrictPolicy()
	}
	return s.sanitizer.Sanitize(prompt)
}

// findReplay returns the stored Answer for a previously completed send with
// the same client request id, or nil when the send is new.
func (s *MessageService) findReplay(ctx context.Context, chatID, clientRequestID string) (*Answer, error) {
	um, err := repo.FindMessageByClientRequestID(ctx, s.DB, chatID, clientRequestID)
	if err != nil || um == nil {
		return nil, err
	}
	var am domain.Message
	err = s.DB.WithContext(ctx).
		Where("parent_message_id = ?", um.ID).
		First(&am).Error
	if err != nil {
		// The earlier send never produced a reply (failed stream); treat the
		// retry as a fresh send.
		return nil, nil
	}
	return &Answer{UserMessage: um, AssistantMessage: &am, Replayed: true}, nil
}

// assembleContext builds the model input: optional system prompt, the most
// recent history that fits the token budget, and the new user prompt. The
// system prompt and the new prompt are always kept; history is dropped oldest
// first. truncated/removed report what was cut.
func (s *MessageService) assembleContext(ctx context.Context, chatID, prompt string) (msgs []upstream.Message, truncated bool, removed int, err error) {
	limit := s.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	history, err := repo.ListRecentMessages(ctx, s.DB, chatID, limit)
	if err != nil {
		return nil, false, 0, err
	}

	budget := s.TokenBudget
	if budget <= 0 {
		budget = 3000
	}
	spent := upstream.EstimateTokens(s.SystemPrompt) + upstream.EstimateTokens(prompt)

	// Walk history newest-first, keeping what fits.
	kept := make([]domain.Message, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		cost := upstream.EstimateTokens(history[i].Content)
		if spent+cost > budget {
			removed = i + 1
			truncated = true
			break
		}
		spent += cost
		kept = append(kept, history[i])
	}

	msgs = make([]upstream.Message, 0, len(kept)+2)
	if s.SystemPrompt != "" {
		msgs = append(msgs, upstream.Message{Role: domain.RoleSystem, Content: s.SystemPrompt})
	}
	for i := len(kept) - 1; i >= 0; i-- {
		msgs = append(msgs, upstream.Message{Role: kept[i].Role, Content: kept[i].Content})
	}
	msgs = append(msgs, upstream.Message{Role: domain.RoleUser, Content: prompt})
	return msgs, truncated, removed, nil
}

// persistPair stores the user prompt and assistant reply in one transaction
// and may auto-title the chat.
func (s *MessageService) persistPair(ctx context.Context, chat *domain.Chat, prompt, reply, clientRequestID string) (*domain.Message, *domain.Message, error) {
	var um, am *domain.Message
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		um, am, txErr = repo.CreateMessagePair(ctx, tx,
			repo.NewMessage{
				ChatID:          chat.ID,
				Role:            domain.RoleUser,
				Content:         prompt,
				ClientRequestID: clientRequestID,
			},
			repo.NewMessage{
				ChatID:  chat.ID,
				Role:    domain.RoleAssistant,
				Content: reply,
			},
		)
		if txErr != nil {
			return txErr
		}
		s.maybeAutoTitle(tx, chat, prompt)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return um, am, nil
}

// maybeAutoTitle replaces a placeholder chat title with one derived from the
// prompt. Failures are ignored; titling is best effort.
func (s *MessageService) maybeAutoTitle(tx *gorm.DB, chat *domain.Chat, prompt string) {
	if !s.shouldAutoTitle(chat.Title) {
		return
	}
	gen := s.generateTitleFromPrompt(prompt)
	if gen == "" {
		return
	}
	gen = s.clipTitle(gen)
	if err := tx.Model(&domain.Chat{}).Where("id = ?", chat.ID).Update("title", gen).Error; err == nil {
		chat.Title = gen
	}
}

// shouldAutoTitle reports whether the current title is a placeholder.
func (s *MessageService) shouldAutoTitle(current string) bool {
	t := strings.TrimSpace(strings.ToLower(current))
	return t == "" || t == strings.ToLower(defaultTitleNew) || t == strings.ToLower(defaultTitleUntitled)
}

// generateTitleFromPrompt derives a concise title from the prompt.
func (s *MessageService) generateTitleFromPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ""
	}
	toks := titleWordRE.FindAllString(strings.ToLower(prompt), -1)
	if len(toks) == 0 {
		return ""
	}

	titleCaser := cases.Title(s.TitleLocaleOrDefault())
	out := make([]string, 0, 8)

	for _, w := range toks {
		if _, skip := titleStopWords[w]; skip {
			continue
		}
		out = append(out, titleCaser.String(w))
		if len(out) >= 8 {
			break
		}
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, " ")
}

// clipTitle truncates a generated title to the configured maximum rune length.
func (s *MessageService) clipTitle(title string) string {
	max := s.TitleMaxLen
	if max <= 0 {
		max = 60
	}
	if utf8.RuneCountInString(title) > max {
		return string([]rune(title)[:max])
	}
	return title
}

// TitleLocaleOrDefault returns the configured locale for casing or English if unset.
func (s *MessageService) TitleLocaleOrDefault() language.Tag {
	if s.TitleLocale == language.Und {
		return language.English
	}
	return s.TitleLocale
}

// --- Title generation helpers ---

// Extract Unicode letters with optional trailing numbers (e.g., "q3").
var titleWordRE = regexp.MustCompile(`[\p{L}]+[\p{N}]*`)

// Minimal English stop-words set for compact titles.
var titleStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
}
