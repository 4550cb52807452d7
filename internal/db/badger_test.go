package db

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"market-chat/internal/logging"
)

func TestOpenBadger(t *testing.T) {
	req := require.New(t)
	store, err := OpenBadger(t.TempDir(), logging.Discard())
	req.NoError(err)
	defer store.Close()

	req.NoError(store.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))
	req.NoError(store.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		req.Equal("v", string(val))
		return err
	}))
}
