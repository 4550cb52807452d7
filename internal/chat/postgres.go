package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation = "23505"

	constraintChatSlug = "chats_slug_key"
	constraintChatPair = "chats_pair_key"
)

type PostgresChatRepository struct {
	db *sql.DB
}

func NewPostgresChatRepository(db *sql.DB) *PostgresChatRepository {
	return &PostgresChatRepository{db: db}
}

const chatColumns = `id, listing_id, party_a_id, party_b_id, slug, category,
	last_message, last_message_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*Chat, error) {
	c := &Chat{}
	var lastMessage sql.NullString
	var lastMessageAt sql.NullTime
	var category string
	err := row.Scan(&c.ID, &c.ListingID, &c.PartyAID, &c.PartyBID, &c.Slug, &category,
		&lastMessage, &lastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Category = Category(category)
	c.LastMessage = lastMessage.String
	if lastMessageAt.Valid {
		at := lastMessageAt.Time.UTC()
		c.LastMessageAt = &at
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (r *PostgresChatRepository) Create(ctx context.Context, c *Chat) error {
	query := `INSERT INTO chats (id, listing_id, party_a_id, party_b_id, slug, category, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.ListingID, c.PartyAID, c.PartyBID, c.Slug, string(c.Category), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			switch pgErr.ConstraintName {
			case constraintChatSlug:
				return fmt.Errorf("%w: %s", ErrDuplicateSlug, c.Slug)
			case constraintChatPair:
				return ErrDuplicatePair
			}
		}
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

func (r *PostgresChatRepository) getOne(ctx context.Context, where string, args ...any) (*Chat, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE "+where, args...)
	c, err := scanChat(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *PostgresChatRepository) GetByID(ctx context.Context, id string) (*Chat, error) {
	return r.getOne(ctx, "id = $1", id)
}

func (r *PostgresChatRepository) GetBySlug(ctx context.Context, slug string) (*Chat, error) {
	return r.getOne(ctx, "slug = $1", slug)
}

func (r *PostgresChatRepository) FindByPair(ctx context.Context, listingID, partyA, partyB string) (*Chat, error) {
	return r.getOne(ctx,
		`listing_id = $1 AND ((party_a_id = $2 AND party_b_id = $3) OR (party_a_id = $3 AND party_b_id = $2))`,
		listingID, partyA, partyB)
}

func (r *PostgresChatRepository) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM chats WHERE slug = $1)", slug).Scan(&exists)
	return exists, err
}

func (r *PostgresChatRepository) ListByParticipant(ctx context.Context, userID string) ([]*Chat, error) {
	query := "SELECT " + chatColumns + ` FROM chats
		WHERE party_a_id = $1 OR party_b_id = $1
		ORDER BY last_message_at DESC NULLS LAST, updated_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (r *PostgresChatRepository) UpdateLastMessage(ctx context.Context, chatID, preview string, at time.Time) error {
	query := `UPDATE chats SET last_message = $2, last_message_at = $3, updated_at = $3
		WHERE id = $1 AND (last_message_at IS NULL OR last_message_at <= $3)`
	res, err := r.db.ExecContext(ctx, query, chatID, preview, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// Either the chat is gone or a newer message already owns the preview.
	var exists bool
	if err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)", chatID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

type PostgresMessageRepository struct {
	db *sql.DB
}

func NewPostgresMessageRepository(db *sql.DB) *PostgresMessageRepository {
	return &PostgresMessageRepository{db: db}
}

const messageColumns = `id, chat_id, sender_id, content, sent_at, is_read, created_at, updated_at`

func scanMessage(row rowScanner) (*Message, error) {
	m := &Message{}
	if err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Timestamp, &m.IsRead, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Timestamp = m.Timestamp.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func (r *PostgresMessageRepository) Insert(ctx context.Context, m *Message) error {
	query := `INSERT INTO messages (` + messageColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.ChatID, m.SenderID, m.Content, m.Timestamp, m.IsRead, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepository) ListRecent(ctx context.Context, chatID string, offset, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE chat_id = $1
		ORDER BY sent_at DESC, id DESC
		OFFSET $2 LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, chatID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *PostgresMessageRepository) Latest(ctx context.Context, chatID string) (*Message, error) {
	messages, err := r.ListRecent(ctx, chatID, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	return messages[0], nil
}

func (r *PostgresMessageRepository) CountUnread(ctx context.Context, chatID, userID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM messages WHERE chat_id = $1 AND sender_id <> $2 AND is_read = FALSE`
	err := r.db.QueryRowContext(ctx, query, chatID, userID).Scan(&count)
	return count, err
}

func (r *PostgresMessageRepository) MarkRead(ctx context.Context, chatID, readerID string, at time.Time) (int, error) {
	query := `UPDATE messages SET is_read = TRUE, updated_at = $3
		WHERE chat_id = $1 AND sender_id <> $2 AND is_read = FALSE`
	res, err := r.db.ExecContext(ctx, query, chatID, readerID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
