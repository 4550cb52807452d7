package chat

import (
	"context"
	"log/slog"
	"time"
)

// Notifier fans persisted changes out to live connections. Implementations
// are best effort and never report failures back to the writer.
type Notifier interface {
	PublishMessage(ctx context.Context, chatID string, message any)
	PublishReadReceipt(ctx context.Context, chatID, readerID string)
	NotifyUser(ctx context.Context, userID, event string, payload any)
}

const EventChatActivity = "chat-activity"

// Activity is the user-scoped notification sent to the recipient of a new
// message, for clients that do not have the chat open.
type Activity struct {
	ChatID   string    `json:"chatId"`
	SenderID string    `json:"senderId"`
	Preview  string    `json:"preview"`
	At       time.Time `json:"at"`
}

type Options struct {
	MaxContentLength int
	PreviewLength    int
	DefaultPageSize  int
	MaxPageSize      int
}

func DefaultOptions() Options {
	return Options{
		MaxContentLength: 2000,
		PreviewLength:    120,
		DefaultPageSize:  50,
		MaxPageSize:      100,
	}
}

// Service is the operation set shared by the request path and the
// connection path. Both adapters only translate transport messages into
// these calls.
type Service struct {
	Store    *Store
	Ledger   *Ledger
	notifier Notifier
	log      *slog.Logger
}

// NewService wires the Conversation Store and the Message Ledger together.
// users and listings may be nil.
func NewService(chats ChatRepository, messages MessageRepository, users UserDirectory, listings ListingDirectory, opts Options, log *slog.Logger) *Service {
	now := func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
	store := &Store{
		chats:         chats,
		users:         users,
		listings:      listings,
		previewLength: opts.PreviewLength,
		log:           log,
		now:           now,
	}
	ledger := &Ledger{
		messages:         messages,
		store:            store,
		users:            users,
		maxContentLength: opts.MaxContentLength,
		defaultPageSize:  opts.DefaultPageSize,
		maxPageSize:      opts.MaxPageSize,
		log:              log,
		now:              now,
	}
	store.ledger = ledger
	return &Service{Store: store, Ledger: ledger, log: log}
}

// SetNotifier attaches the live delivery fan-out. Without one the service
// only persists.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) RequireParticipant(ctx context.Context, chatID, userID string) (*Chat, error) {
	return s.Store.RequireParticipant(ctx, chatID, userID)
}

// Send appends a message and, only once it is durable, publishes it to the
// chat's delivery group and notifies the recipient.
func (s *Service) Send(ctx context.Context, chatID, senderID, content string) (*Message, error) {
	m, c, err := s.Ledger.append(ctx, chatID, senderID, content)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.PublishMessage(ctx, m.ChatID, m)
		s.notifier.NotifyUser(ctx, c.Counterpart(senderID), EventChatActivity, Activity{
			ChatID:   m.ChatID,
			SenderID: senderID,
			Preview:  truncateRunes(m.Content, s.Store.previewLength),
			At:       m.Timestamp,
		})
	}
	return m, nil
}

// MarkRead marks the chat as read for readerID and broadcasts a read receipt.
func (s *Service) MarkRead(ctx context.Context, chatID, readerID string) (*ReadResult, error) {
	n, err := s.Ledger.MarkRead(ctx, chatID, readerID)
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.PublishReadReceipt(ctx, chatID, readerID)
	}
	return &ReadResult{ModifiedCount: n}, nil
}
