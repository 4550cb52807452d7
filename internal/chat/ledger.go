package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"market-chat/internal/apperr"
)

// Ledger is the Message Ledger. It is the only writer of Message documents
// and the single source of truth for display order.
type Ledger struct {
	messages         MessageRepository
	store            *Store
	users            UserDirectory
	maxContentLength int
	defaultPageSize  int
	maxPageSize      int
	log              *slog.Logger
	now              func() time.Time
}

// Append validates and persists a message, then refreshes the chat preview.
// The preview is only advertised once the message is durable.
func (l *Ledger) Append(ctx context.Context, chatID, senderID, content string) (*Message, error) {
	m, _, err := l.append(ctx, chatID, senderID, content)
	return m, err
}

func (l *Ledger) append(ctx context.Context, chatID, senderID, content string) (*Message, *Chat, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return nil, nil, apperr.InvalidContent("message content is empty")
	}
	if n := utf8.RuneCountInString(text); n > l.maxContentLength {
		return nil, nil, apperr.InvalidContent(fmt.Sprintf("message content exceeds %d characters", l.maxContentLength))
	}
	if err := validID("sender", senderID); err != nil {
		return nil, nil, err
	}
	c, err := l.store.RequireParticipant(ctx, chatID, senderID)
	if err != nil {
		return nil, nil, err
	}

	now := l.now()
	m := &Message{
		ID:        uuid.NewString(),
		ChatID:    c.ID,
		SenderID:  senderID,
		Content:   text,
		Timestamp: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.messages.Insert(ctx, m); err != nil {
		return nil, nil, apperr.PersistenceFailure("failed to store message", err)
	}

	if err := l.store.RecordActivity(ctx, c.ID, text, now); err != nil {
		// The inbox falls back to the ledger when the preview is stale.
		l.log.Warn("failed to record chat activity", "chat_id", c.ID, "message_id", m.ID, "error", err)
	}

	l.attachSenders(ctx, []*Message{m})
	return m, c, nil
}

// Page returns one page of history in chronological order. Pages are
// counted from the newest message backwards: page 1 holds the latest messages.
func (l *Ledger) Page(ctx context.Context, chatID string, page, size int) (*MessagePage, error) {
	if err := validID("chat", chatID); err != nil {
		return nil, err
	}
	if page < 1 {
		return nil, apperr.BadRequest("page must be at least 1", nil)
	}
	if size <= 0 {
		size = l.defaultPageSize
	}
	size = min(size, l.maxPageSize)

	messages, err := l.messages.ListRecent(ctx, chatID, (page-1)*size, size)
	if err != nil {
		return nil, apperr.PersistenceFailure("failed to load messages", err)
	}
	slices.Reverse(messages)
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	l.attachSenders(ctx, messages)

	if messages == nil {
		messages = []*Message{}
	}
	return &MessagePage{Items: messages, Page: page, Limit: size}, nil
}

// PageFor is Page restricted to the chat's participants.
func (l *Ledger) PageFor(ctx context.Context, chatID, actorID string, page, size int) (*MessagePage, error) {
	if _, err := l.store.RequireParticipant(ctx, chatID, actorID); err != nil {
		return nil, err
	}
	return l.Page(ctx, chatID, page, size)
}

func (l *Ledger) UnreadCountFor(ctx context.Context, chatID, userID string) (int, error) {
	count, err := l.messages.CountUnread(ctx, chatID, userID)
	if err != nil {
		return 0, apperr.PersistenceFailure("failed to count unread messages", err)
	}
	return count, nil
}

// MarkRead marks everything the other party sent as read and returns the
// number of messages that changed state. A second call returns 0.
func (l *Ledger) MarkRead(ctx context.Context, chatID, readerID string) (int, error) {
	if _, err := l.store.RequireParticipant(ctx, chatID, readerID); err != nil {
		return 0, err
	}
	n, err := l.messages.MarkRead(ctx, chatID, readerID, l.now())
	if err != nil {
		return 0, apperr.PersistenceFailure("failed to mark messages as read", err)
	}
	return n, nil
}

func (l *Ledger) latest(ctx context.Context, chatID string) (*Message, error) {
	m, err := l.messages.Latest(ctx, chatID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("Message", err)
		}
		return nil, apperr.PersistenceFailure("failed to load latest message", err)
	}
	return m, nil
}

func (l *Ledger) attachSenders(ctx context.Context, messages []*Message) {
	if l.users == nil || len(messages) == 0 {
		return
	}
	ids := lo.Uniq(lo.Map(messages, func(m *Message, _ int) string { return m.SenderID }))
	summaries, err := l.users.Summaries(ctx, ids)
	if err != nil {
		l.log.Warn("failed to resolve sender summaries", "error", err)
		return
	}
	for _, m := range messages {
		if u, ok := summaries[m.SenderID]; ok {
			m.Sender = &u
		}
	}
}
