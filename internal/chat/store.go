package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"market-chat/internal/apperr"
)

// getOrCreateAttempts bounds the lookup-then-create sequence: the first
// attempt plus one retry after losing a uniqueness race.
const getOrCreateAttempts = 2

// Store is the Conversation Store. It is the only writer of Chat documents.
type Store struct {
	chats         ChatRepository
	ledger        *Ledger
	users         UserDirectory
	listings      ListingDirectory
	previewLength int
	log           *slog.Logger
	now           func() time.Time
}

func validID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.InvalidReference("malformed "+kind+" id", err)
	}
	return nil
}

// GetOrCreate returns the chat for (listing, {partyA, partyB}), creating it
// on first contact. Calls with the pair in either order resolve to the same chat.
func (s *Store) GetOrCreate(ctx context.Context, listingID, partyA, partyB string, category Category) (*Chat, error) {
	refs := []struct{ kind, id string }{
		{"listing", listingID},
		{"sender", partyA},
		{"receiver", partyB},
	}
	for _, ref := range refs {
		if err := validID(ref.kind, ref.id); err != nil {
			return nil, err
		}
	}
	if partyA == partyB {
		return nil, apperr.InvalidReference("a chat needs two distinct parties", nil)
	}
	if category == "" {
		category = CategoryOther
	}

	var listing *ListingSummary
	if s.listings != nil {
		summary, found, err := s.listings.Summary(ctx, listingID)
		if err != nil {
			return nil, apperr.PersistenceFailure("failed to resolve listing", err)
		}
		if !found {
			return nil, apperr.InvalidReference("unknown listing", nil)
		}
		listing = &summary
	}

	var lastErr error
	for attempt := 0; attempt < getOrCreateAttempts; attempt++ {
		existing, err := s.chats.FindByPair(ctx, listingID, partyA, partyB)
		if err == nil {
			return s.decorate(ctx, existing, listing), nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, apperr.PersistenceFailure("failed to look up chat", err)
		}

		created, err := s.create(ctx, listingID, partyA, partyB, category)
		if err == nil {
			s.log.Info("chat created", "chat_id", created.ID, "slug", created.Slug, "listing_id", listingID)
			return s.decorate(ctx, created, listing), nil
		}
		if !errors.Is(err, ErrDuplicatePair) && !errors.Is(err, ErrDuplicateSlug) && !errors.Is(err, ErrSlugExhausted) {
			return nil, apperr.PersistenceFailure("failed to create chat", err)
		}
		s.log.Debug("chat creation lost a race, retrying lookup", "listing_id", listingID, "attempt", attempt, "error", err)
		lastErr = err
	}
	return nil, apperr.Conflict("could not resolve a unique chat", lastErr)
}

func (s *Store) create(ctx context.Context, listingID, partyA, partyB string, category Category) (*Chat, error) {
	slug, err := UniqueSlug(ctx, BaseSlug(category, listingID, partyA, partyB), s.chats.SlugExists)
	if err != nil {
		return nil, err
	}
	now := s.now()
	c := &Chat{
		ID:        uuid.NewString(),
		ListingID: listingID,
		PartyAID:  partyA,
		PartyBID:  partyB,
		Slug:      slug,
		Category:  category,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.chats.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) GetByID(ctx context.Context, chatID string) (*Chat, error) {
	if err := validID("chat", chatID); err != nil {
		return nil, err
	}
	c, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		return nil, lookupError(err)
	}
	return s.decorate(ctx, c, nil), nil
}

func (s *Store) GetBySlug(ctx context.Context, slug string) (*Chat, error) {
	c, err := s.chats.GetBySlug(ctx, slug)
	if err != nil {
		return nil, lookupError(err)
	}
	return s.decorate(ctx, c, nil), nil
}

// GetByRef accepts either a chat id or a slug.
func (s *Store) GetByRef(ctx context.Context, ref string) (*Chat, error) {
	if _, err := uuid.Parse(ref); err == nil {
		c, err := s.GetByID(ctx, ref)
		if !apperr.Is(err, apperr.CodeNotFound) {
			return c, err
		}
	}
	return s.GetBySlug(ctx, ref)
}

// RequireParticipant loads a chat and hides it from anyone who is not one of
// its two parties.
func (s *Store) RequireParticipant(ctx context.Context, chatID, userID string) (*Chat, error) {
	if err := validID("chat", chatID); err != nil {
		return nil, err
	}
	c, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		return nil, lookupError(err)
	}
	if !c.HasParticipant(userID) {
		return nil, apperr.NotFound("Chat", nil)
	}
	return c, nil
}

// ListForUser returns the inbox of userID, most recent activity first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]*ChatListItem, error) {
	if err := validID("user", userID); err != nil {
		return nil, err
	}
	chats, err := s.chats.ListByParticipant(ctx, userID)
	if err != nil {
		return nil, apperr.PersistenceFailure("failed to list chats", err)
	}

	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i].LastMessageAt, chats[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})

	s.attachSummaries(ctx, chats)
	items := make([]*ChatListItem, 0, len(chats))
	for _, c := range chats {
		unread, err := s.ledger.UnreadCountFor(ctx, c.ID, userID)
		if err != nil {
			return nil, err
		}
		item := &ChatListItem{Chat: *c, UnreadCount: unread}
		if err := s.fillPreview(ctx, item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// fillPreview prefers the denormalized preview and recomputes it from the
// ledger when the chat was never updated, e.g. after a failed recordActivity.
func (s *Store) fillPreview(ctx context.Context, item *ChatListItem) error {
	if item.Chat.LastMessageAt != nil && item.Chat.LastMessage != "" {
		item.LastMessage = item.Chat.LastMessage
		item.LastMessageTime = *item.Chat.LastMessageAt
		return nil
	}
	latest, err := s.ledger.latest(ctx, item.ID)
	switch {
	case err == nil:
		item.LastMessage = truncateRunes(latest.Content, s.previewLength)
		item.LastMessageTime = latest.Timestamp
	case apperr.Is(err, apperr.CodeNotFound):
		item.LastMessageTime = item.UpdatedAt
	default:
		return err
	}
	return nil
}

// RecordActivity refreshes the denormalized last-message fields. It is only
// called after the message it describes has been persisted.
func (s *Store) RecordActivity(ctx context.Context, chatID, previewText string, at time.Time) error {
	err := s.chats.UpdateLastMessage(ctx, chatID, truncateRunes(previewText, s.previewLength), at)
	if err != nil {
		return lookupError(err)
	}
	return nil
}

func (s *Store) decorate(ctx context.Context, c *Chat, listing *ListingSummary) *Chat {
	if listing != nil {
		c.Listing = listing
	}
	s.attachSummaries(ctx, []*Chat{c})
	return c
}

// attachSummaries is best effort: directories are external and a failure
// only costs the client some display names.
func (s *Store) attachSummaries(ctx context.Context, chats []*Chat) {
	if len(chats) == 0 {
		return
	}
	if s.users != nil {
		ids := lo.Uniq(lo.FlatMap(chats, func(c *Chat, _ int) []string {
			return []string{c.PartyAID, c.PartyBID}
		}))
		summaries, err := s.users.Summaries(ctx, ids)
		if err != nil {
			s.log.Warn("failed to resolve participant summaries", "error", err)
		} else {
			for _, c := range chats {
				if u, ok := summaries[c.PartyAID]; ok {
					c.PartyA = &u
				}
				if u, ok := summaries[c.PartyBID]; ok {
					c.PartyB = &u
				}
			}
		}
	}
	if s.listings != nil {
		cache := map[string]*ListingSummary{}
		for _, c := range chats {
			if c.Listing != nil {
				continue
			}
			if cached, ok := cache[c.ListingID]; ok {
				c.Listing = cached
				continue
			}
			summary, found, err := s.listings.Summary(ctx, c.ListingID)
			if err != nil {
				s.log.Warn("failed to resolve listing summary", "listing_id", c.ListingID, "error", err)
				continue
			}
			if found {
				cache[c.ListingID] = &summary
				c.Listing = &summary
			}
		}
	}
}

func lookupError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound("Chat", err)
	}
	return apperr.PersistenceFailure("failed to load chat", err)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
