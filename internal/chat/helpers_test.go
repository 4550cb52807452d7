package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"market-chat/internal/logging"
)

type fakeUsers struct {
	users map[string]UserSummary
}

func (f *fakeUsers) Summaries(_ context.Context, ids []string) (map[string]UserSummary, error) {
	out := make(map[string]UserSummary, len(ids))
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

type notification struct {
	kind    string
	chatID  string
	userID  string
	event   string
	payload any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *recordingNotifier) PublishMessage(_ context.Context, chatID string, message any) {
	n.record(notification{kind: "message", chatID: chatID, payload: message})
}

func (n *recordingNotifier) PublishReadReceipt(_ context.Context, chatID, readerID string) {
	n.record(notification{kind: "read", chatID: chatID, userID: readerID})
}

func (n *recordingNotifier) NotifyUser(_ context.Context, userID, event string, payload any) {
	n.record(notification{kind: "user", userID: userID, event: event, payload: payload})
}

func (n *recordingNotifier) record(e notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.events...)
}

// stepClock hands out strictly increasing timestamps so ordering assertions
// do not depend on the wall clock resolution.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Millisecond)
	return c.cur
}

type fixture struct {
	svc      *Service
	users    *fakeUsers
	notifier *recordingNotifier
	listing  string
	alice    string
	bob      string
	carol    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		listing:  uuid.NewString(),
		alice:    uuid.NewString(),
		bob:      uuid.NewString(),
		carol:    uuid.NewString(),
		notifier: &recordingNotifier{},
	}
	f.users = &fakeUsers{users: map[string]UserSummary{
		f.alice: {ID: f.alice, Username: "alice"},
		f.bob:   {ID: f.bob, Username: "bob"},
		f.carol: {ID: f.carol, Username: "carol"},
	}}

	opts := DefaultOptions()
	opts.MaxContentLength = 20
	opts.PreviewLength = 5
	f.svc = NewService(NewBadgerChatRepository(db), NewBadgerMessageRepository(db), f.users, nil, opts, logging.Discard())
	clock := &stepClock{cur: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	f.svc.Store.now = clock.now
	f.svc.Ledger.now = clock.now
	f.svc.SetNotifier(f.notifier)
	return f
}

func (f *fixture) chat(t *testing.T) *Chat {
	t.Helper()
	c, err := f.svc.Store.GetOrCreate(context.Background(), f.listing, f.alice, f.bob, CategoryOther)
	require.NoError(t, err)
	return c
}
