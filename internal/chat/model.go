package chat

import (
	"strings"
	"time"

	"market-chat/internal/apperr"
)

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

type Category string

const (
	CategorySeeker  Category = "seeker"
	CategoryHiring  Category = "hiring"
	CategoryVehicle Category = "vehicle"
	CategoryOther   Category = "other"
)

// ParseCategory maps an optional client value to a Category. Empty means other.
func ParseCategory(value string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(value))); c {
	case "":
		return CategoryOther, nil
	case CategorySeeker, CategoryHiring, CategoryVehicle, CategoryOther:
		return c, nil
	default:
		return "", apperr.BadRequest("unknown chat category "+value, nil)
	}
}

// Chat is the single conversation between two parties about one listing.
// LastMessage and LastMessageAt are a denormalized preview maintained by the Store.
type Chat struct {
	ID            string     `json:"id" cbor:"id"`
	ListingID     string     `json:"listingId" cbor:"listing_id"`
	PartyAID      string     `json:"partyAId" cbor:"party_a_id"`
	PartyBID      string     `json:"partyBId" cbor:"party_b_id"`
	Slug          string     `json:"slug" cbor:"slug"`
	Category      Category   `json:"category" cbor:"category"`
	LastMessage   string     `json:"lastMessage,omitempty" cbor:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty" cbor:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"createdAt" cbor:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" cbor:"updated_at"`

	// Attached on read, never persisted.
	Listing *ListingSummary `json:"listing,omitempty" cbor:"-"`
	PartyA  *UserSummary    `json:"partyA,omitempty" cbor:"-"`
	PartyB  *UserSummary    `json:"partyB,omitempty" cbor:"-"`
}

func (c *Chat) HasParticipant(userID string) bool {
	return c.PartyAID == userID || c.PartyBID == userID
}

// Counterpart returns the other party of the chat.
func (c *Chat) Counterpart(userID string) string {
	if c.PartyAID == userID {
		return c.PartyBID
	}
	return c.PartyAID
}

type Message struct {
	ID        string    `json:"id" cbor:"id"`
	ChatID    string    `json:"chatId" cbor:"chat_id"`
	SenderID  string    `json:"senderId" cbor:"sender_id"`
	Content   string    `json:"content" cbor:"content"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
	IsRead    bool      `json:"isRead" cbor:"is_read"`
	CreatedAt time.Time `json:"createdAt" cbor:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" cbor:"updated_at"`

	Sender *UserSummary `json:"sender,omitempty" cbor:"-"`
}

// ChatListItem is a chat as seen by one participant in their inbox.
type ChatListItem struct {
	Chat
	UnreadCount     int       `json:"unreadCount"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
}

type UserSummary struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

type ListingSummary struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	OwnerID string `json:"ownerId,omitempty"`
}

// MessagePage is one page of a chat history, oldest message first.
type MessagePage struct {
	Items []*Message `json:"items"`
	Page  int        `json:"page"`
	Limit int        `json:"limit"`
}

// ReadResult is returned by markRead.
type ReadResult struct {
	ModifiedCount int `json:"modifiedCount"`
}
