package chat

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"market-chat/internal/db"
	"market-chat/internal/logging"
)

// newPostgresService runs against a real database when TEST_DB_DSN is set.
func newPostgresService(t *testing.T) *Service {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	database, err := db.NewDatabase(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.AutoMigrate(context.Background()))

	return NewService(
		NewPostgresChatRepository(database.Conn),
		NewPostgresMessageRepository(database.Conn),
		nil, nil, DefaultOptions(), logging.Discard(),
	)
}

func TestPostgresPairConstraintUnderConcurrency(t *testing.T) {
	req := require.New(t)
	svc := newPostgresService(t)
	ctx := context.Background()
	listing, a, b := uuid.NewString(), uuid.NewString(), uuid.NewString()

	ids := make(chan string, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := a, b
			if i%2 == 1 {
				from, to = b, a
			}
			c, err := svc.Store.GetOrCreate(ctx, listing, from, to, CategorySeeker)
			if err == nil {
				ids <- c.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		req.Equal(first, id)
	}
	req.NotEmpty(first)

	chats, err := svc.Store.chats.ListByParticipant(ctx, a)
	req.NoError(err)
	req.Len(chats, 1)
}

func TestPostgresConversationScenario(t *testing.T) {
	req := require.New(t)
	svc := newPostgresService(t)
	ctx := context.Background()
	listing, a, b := uuid.NewString(), uuid.NewString(), uuid.NewString()

	c, err := svc.Store.GetOrCreate(ctx, listing, a, b, CategoryOther)
	req.NoError(err)
	_, err = svc.Send(ctx, c.ID, a, "hello")
	req.NoError(err)
	_, err = svc.Send(ctx, c.ID, b, "hi")
	req.NoError(err)

	page, err := svc.Ledger.Page(ctx, c.ID, 1, 50)
	req.NoError(err)
	req.Len(page.Items, 2)
	req.Equal("hello", page.Items[0].Content)
	req.Equal("hi", page.Items[1].Content)

	res, err := svc.MarkRead(ctx, c.ID, a)
	req.NoError(err)
	req.Equal(1, res.ModifiedCount)
	res, err = svc.MarkRead(ctx, c.ID, a)
	req.NoError(err)
	req.Zero(res.ModifiedCount)

	items, err := svc.Store.ListForUser(ctx, b)
	req.NoError(err)
	req.Len(items, 1)
	req.Equal("hi", items[0].LastMessage)
	req.Equal(1, items[0].UnreadCount)
}
