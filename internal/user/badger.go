package user

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"market-chat/internal/codec"
)

const searchLimit = 10

func userIDKey(id string) []byte { return []byte("user:id:" + id) }
func userNameKey(name string) []byte {
	return []byte("user:name:" + strings.ToLower(name))
}

// BadgerRepository keeps users in the embedded store:
//
//	user:id:{id}              -> User
//	user:name:{lower(name)}   -> id
type BadgerRepository struct {
	db *badger.DB
}

func NewBadgerRepository(db *badger.DB) *BadgerRepository {
	return &BadgerRepository{db: db}
}

func (r *BadgerRepository) CreateUser(ctx context.Context, user *User) (*User, error) {
	data, err := codec.Marshal(user)
	if err != nil {
		return nil, err
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(userNameKey(user.Username))
		if err == nil {
			return ErrUsernameTaken
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(userNameKey(user.Username), []byte(user.ID)); err != nil {
			return err
		}
		return txn.Set(userIDKey(user.ID), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *BadgerRepository) load(txn *badger.Txn, id string) (*User, error) {
	item, err := txn.Get(userIDKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u := &User{}
	err = item.Value(func(val []byte) error {
		return codec.Unmarshal(val, u)
	})
	return u, err
}

func (r *BadgerRepository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u *User
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userNameKey(username))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		u, err = r.load(txn, string(id))
		return err
	})
	return u, err
}

func (r *BadgerRepository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	needle := strings.ToLower(query)
	var users []User
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte("user:name:")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(ids) < searchLimit; it.Next() {
			name := string(it.Item().Key()[len(prefix):])
			if !strings.Contains(name, needle) {
				continue
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(id))
		}
		for _, id := range ids {
			u, err := r.load(txn, id)
			if err != nil {
				return err
			}
			users = append(users, User{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName})
		}
		return nil
	})
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, err
}

func (r *BadgerRepository) GetUsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	var users []User
	err := r.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			u, err := r.load(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			users = append(users, User{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName})
		}
		return nil
	})
	return users, err
}
