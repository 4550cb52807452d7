//go:generate go run go.uber.org/mock/mockgen -source=repository.go -destination=mocks/mock_repository.go -package=mocks
package chat

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicatePair = errors.New("chat already exists for this listing and pair")
	ErrDuplicateSlug = errors.New("chat slug already assigned")
)

// ChatRepository persists Chat documents. Create must enforce both the
// (listing, unordered pair) and the slug uniqueness atomically and report a
// lost race as ErrDuplicatePair or ErrDuplicateSlug.
type ChatRepository interface {
	Create(ctx context.Context, c *Chat) error
	GetByID(ctx context.Context, id string) (*Chat, error)
	GetBySlug(ctx context.Context, slug string) (*Chat, error)
	FindByPair(ctx context.Context, listingID, partyA, partyB string) (*Chat, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	ListByParticipant(ctx context.Context, userID string) ([]*Chat, error)
	// UpdateLastMessage never moves the preview backwards in time.
	UpdateLastMessage(ctx context.Context, chatID, preview string, at time.Time) error
}

// MessageRepository persists Message documents.
type MessageRepository interface {
	Insert(ctx context.Context, message *Message) error
	// ListRecent returns messages newest first.
	ListRecent(ctx context.Context, chatID string, offset, limit int) ([]*Message, error)
	Latest(ctx context.Context, chatID string) (*Message, error)
	CountUnread(ctx context.Context, chatID, userID string) (int, error)
	// MarkRead flips isRead on every unread message not sent by readerID and
	// returns how many messages actually changed.
	MarkRead(ctx context.Context, chatID, readerID string, at time.Time) (int, error)
}

// UserDirectory resolves participant summaries. Unknown ids are simply absent.
type UserDirectory interface {
	Summaries(ctx context.Context, ids []string) (map[string]UserSummary, error)
}

// ListingDirectory resolves listing summaries from the catalog.
type ListingDirectory interface {
	Summary(ctx context.Context, listingID string) (ListingSummary, bool, error)
}
