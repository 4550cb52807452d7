package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"market-chat/internal/codec"
)

// Key layout of the embedded store:
//
//	chat:id:{chatID}                       -> Chat
//	chat:slug:{slug}                       -> chatID
//	chat:pair:{listingID}:{low}:{high}     -> chatID
//	chat:member:{userID}:{chatID}          -> empty
//	msg:{chatID}:{unixNano, 19 digits}:{messageID} -> Message
//
// Zero padded timestamps keep messages of one chat sorted by time, the
// message id breaks ties between messages created in the same nanosecond.
const (
	markReadBatchSize = 500
	maxConflictRetry  = 5
)

func chatIDKey(id string) []byte     { return []byte("chat:id:" + id) }
func chatSlugKey(slug string) []byte { return []byte("chat:slug:" + slug) }
func chatMemberPrefix(userID string) []byte {
	return []byte("chat:member:" + userID + ":")
}
func chatPairKey(listingID, a, b string) []byte {
	low, high := orderedPair(a, b)
	return []byte(fmt.Sprintf("chat:pair:%s:%s:%s", listingID, low, high))
}
func messagePrefix(chatID string) []byte { return []byte("msg:" + chatID + ":") }
func messageKey(m *Message) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", m.ChatID, m.Timestamp.UnixNano(), m.ID))
}

// updateWithRetry re-runs fn when badger reports a write-write conflict.
func updateWithRetry(db *badger.DB, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetry; attempt++ {
		err = db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func keyExists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

type BadgerChatRepository struct {
	db *badger.DB
}

func NewBadgerChatRepository(db *badger.DB) *BadgerChatRepository {
	return &BadgerChatRepository{db: db}
}

func (r *BadgerChatRepository) Create(ctx context.Context, c *Chat) error {
	data, err := codec.Marshal(c)
	if err != nil {
		return err
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		pairKey := chatPairKey(c.ListingID, c.PartyAID, c.PartyBID)
		if taken, err := keyExists(txn, pairKey); err != nil {
			return err
		} else if taken {
			return ErrDuplicatePair
		}
		if taken, err := keyExists(txn, chatSlugKey(c.Slug)); err != nil {
			return err
		} else if taken {
			return fmt.Errorf("%w: %s", ErrDuplicateSlug, c.Slug)
		}

		id := []byte(c.ID)
		entries := []struct{ key, value []byte }{
			{chatIDKey(c.ID), data},
			{chatSlugKey(c.Slug), id},
			{pairKey, id},
			{append(chatMemberPrefix(c.PartyAID), id...), nil},
			{append(chatMemberPrefix(c.PartyBID), id...), nil},
		}
		for _, e := range entries {
			if err := txn.Set(e.key, e.value); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent transaction wrote the pair or slug key we read.
		return fmt.Errorf("%w: %v", ErrDuplicatePair, err)
	}
	return err
}

func (r *BadgerChatRepository) load(txn *badger.Txn, id string) (*Chat, error) {
	data, err := getValue(txn, chatIDKey(id))
	if err != nil {
		return nil, err
	}
	c := &Chat{}
	if err := codec.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode chat %s: %w", id, err)
	}
	return c, nil
}

func (r *BadgerChatRepository) resolve(indexKey []byte) (*Chat, error) {
	var c *Chat
	err := r.db.View(func(txn *badger.Txn) error {
		id, err := getValue(txn, indexKey)
		if err != nil {
			return err
		}
		c, err = r.load(txn, string(id))
		return err
	})
	return c, err
}

func (r *BadgerChatRepository) GetByID(ctx context.Context, id string) (*Chat, error) {
	var c *Chat
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = r.load(txn, id)
		return err
	})
	return c, err
}

func (r *BadgerChatRepository) GetBySlug(ctx context.Context, slug string) (*Chat, error) {
	return r.resolve(chatSlugKey(slug))
}

func (r *BadgerChatRepository) FindByPair(ctx context.Context, listingID, partyA, partyB string) (*Chat, error) {
	return r.resolve(chatPairKey(listingID, partyA, partyB))
}

func (r *BadgerChatRepository) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		exists, err = keyExists(txn, chatSlugKey(slug))
		return err
	})
	return exists, err
}

func (r *BadgerChatRepository) ListByParticipant(ctx context.Context, userID string) ([]*Chat, error) {
	var chats []*Chat
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := chatMemberPrefix(userID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		for _, id := range ids {
			c, err := r.load(txn, id)
			if err != nil {
				return err
			}
			chats = append(chats, c)
		}
		return nil
	})
	return chats, err
}

func (r *BadgerChatRepository) UpdateLastMessage(ctx context.Context, chatID, preview string, at time.Time) error {
	return updateWithRetry(r.db, func(txn *badger.Txn) error {
		c, err := r.load(txn, chatID)
		if err != nil {
			return err
		}
		if c.LastMessageAt != nil && at.Before(*c.LastMessageAt) {
			return nil
		}
		c.LastMessage = preview
		c.LastMessageAt = &at
		c.UpdatedAt = at
		data, err := codec.Marshal(c)
		if err != nil {
			return err
		}
		return txn.Set(chatIDKey(chatID), data)
	})
}

type BadgerMessageRepository struct {
	db *badger.DB
}

func NewBadgerMessageRepository(db *badger.DB) *BadgerMessageRepository {
	return &BadgerMessageRepository{db: db}
}

func (r *BadgerMessageRepository) Insert(ctx context.Context, m *Message) error {
	data, err := codec.Marshal(m)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(m), data)
	})
}

func decodeMessage(item *badger.Item) (*Message, error) {
	m := &Message{}
	err := item.Value(func(val []byte) error {
		return codec.Unmarshal(val, m)
	})
	return m, err
}

// scan walks the messages of a chat, newest first when reverse is set,
// until fn returns false.
func (r *BadgerMessageRepository) scan(txn *badger.Txn, chatID string, reverse bool, fn func(item *badger.Item) (bool, error)) error {
	prefix := messagePrefix(chatID)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		seek = append(append([]byte{}, prefix...), 0xff)
	}
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		more, err := fn(it.Item())
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (r *BadgerMessageRepository) ListRecent(ctx context.Context, chatID string, offset, limit int) ([]*Message, error) {
	var messages []*Message
	err := r.db.View(func(txn *badger.Txn) error {
		skipped := 0
		return r.scan(txn, chatID, true, func(item *badger.Item) (bool, error) {
			if skipped < offset {
				skipped++
				return true, nil
			}
			m, err := decodeMessage(item)
			if err != nil {
				return false, err
			}
			messages = append(messages, m)
			return len(messages) < limit, nil
		})
	})
	return messages, err
}

func (r *BadgerMessageRepository) Latest(ctx context.Context, chatID string) (*Message, error) {
	messages, err := r.ListRecent(ctx, chatID, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	return messages[0], nil
}

func (r *BadgerMessageRepository) CountUnread(ctx context.Context, chatID, userID string) (int, error) {
	count := 0
	err := r.db.View(func(txn *badger.Txn) error {
		return r.scan(txn, chatID, false, func(item *badger.Item) (bool, error) {
			m, err := decodeMessage(item)
			if err != nil {
				return false, err
			}
			if !m.IsRead && m.SenderID != userID {
				count++
			}
			return true, nil
		})
	})
	return count, err
}

// MarkRead collects candidate keys in a read-only pass, then flips them in
// bounded transactions. Each message is re-checked inside its write
// transaction so concurrent readers never count the same transition twice.
func (r *BadgerMessageRepository) MarkRead(ctx context.Context, chatID, readerID string, at time.Time) (int, error) {
	var candidates [][]byte
	err := r.db.View(func(txn *badger.Txn) error {
		return r.scan(txn, chatID, false, func(item *badger.Item) (bool, error) {
			m, err := decodeMessage(item)
			if err != nil {
				return false, err
			}
			if !m.IsRead && m.SenderID != readerID {
				candidates = append(candidates, item.KeyCopy(nil))
			}
			return true, nil
		})
	})
	if err != nil {
		return 0, err
	}

	modified := 0
	for start := 0; start < len(candidates); start += markReadBatchSize {
		end := min(start+markReadBatchSize, len(candidates))
		batch := candidates[start:end]
		var flipped int
		err := updateWithRetry(r.db, func(txn *badger.Txn) error {
			flipped = 0
			for _, key := range batch {
				item, err := txn.Get(key)
				if err != nil {
					return err
				}
				m, err := decodeMessage(item)
				if err != nil {
					return err
				}
				if m.IsRead {
					continue
				}
				m.IsRead = true
				m.UpdatedAt = at
				data, err := codec.Marshal(m)
				if err != nil {
					return err
				}
				if err := txn.Set(key, data); err != nil {
					return err
				}
				flipped++
			}
			return nil
		})
		if err != nil {
			return modified, err
		}
		modified += flipped
	}
	return modified, nil
}
