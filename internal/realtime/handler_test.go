package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"market-chat/internal/chat"
	"market-chat/internal/delivery"
	"market-chat/internal/logging"
	authmw "market-chat/internal/middleware"
)

type testEnv struct {
	server  *httptest.Server
	coord   *delivery.Coordinator
	service *chat.Service
	chat    *chat.Chat
	alice   string
	bob     string
	carol   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logging.Discard()
	svc := chat.NewService(chat.NewBadgerChatRepository(db), chat.NewBadgerMessageRepository(db), nil, nil, chat.DefaultOptions(), log)
	coord := delivery.NewCoordinator(log)
	svc.SetNotifier(coord)

	env := &testEnv{
		coord:   coord,
		service: svc,
		alice:   uuid.NewString(),
		bob:     uuid.NewString(),
		carol:   uuid.NewString(),
	}
	env.chat, err = svc.Store.GetOrCreate(context.Background(), uuid.NewString(), env.alice, env.bob, chat.CategoryOther)
	require.NoError(t, err)

	h := NewHandler(svc, coord, log)
	// Stands in for the JWT middleware: the identity comes from ?as=.
	identify := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := r.URL.Query().Get("as"); id != "" {
				r = r.WithContext(authmw.WithUser(r.Context(), id, "tester"))
			}
			next.ServeHTTP(w, r)
		})
	}
	env.server = httptest.NewServer(identify(http.HandlerFunc(h.ServeWs)))
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?as=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := delivery.EncodeFrame(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func next(t *testing.T, conn *websocket.Conn) delivery.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f delivery.Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

// drain reads frames up to and including the pong answering a ping sent now.
func drain(t *testing.T, conn *websocket.Conn) []delivery.Frame {
	t.Helper()
	send(t, conn, EventPing, struct{}{})
	var frames []delivery.Frame
	for {
		f := next(t, conn)
		if f.Event == delivery.EventPong {
			return frames
		}
		frames = append(frames, f)
	}
}

func countEvents(frames []delivery.Frame, event string) int {
	n := 0
	for _, f := range frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

func (e *testEnv) waitForGroup(t *testing.T, group string, size int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.coord.GroupSize(group) == size
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTwoConnectionsExchangeMessagesAndTyping(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	conn1 := env.dial(t, env.alice)
	conn2 := env.dial(t, env.bob)

	send(t, conn1, EventJoinChat, map[string]string{"chatId": env.chat.ID})
	send(t, conn2, EventJoinChat, map[string]string{"chatId": env.chat.ID})
	env.waitForGroup(t, delivery.ChatGroup(env.chat.ID), 2)

	send(t, conn1, EventSendMessage, map[string]string{
		"chatId":  env.chat.ID,
		"content": "is the bike still available?",
		"sender":  env.alice,
	})

	f := next(t, conn2)
	req.Equal(delivery.EventNewMessage, f.Event)
	var m chat.Message
	req.NoError(json.Unmarshal(f.Data, &m))
	req.Equal("is the bike still available?", m.Content)
	req.Equal(env.alice, m.SenderID)

	send(t, conn1, EventTyping, map[string]string{"chatId": env.chat.ID})
	f = next(t, conn2)
	req.Equal(delivery.EventUserTyping, f.Event)
	var typing delivery.Typing
	req.NoError(json.Unmarshal(f.Data, &typing))
	req.Equal(env.alice, typing.UserID)

	rest2 := drain(t, conn2)
	req.Zero(countEvents(rest2, delivery.EventNewMessage))

	frames1 := drain(t, conn1)
	req.Equal(1, countEvents(frames1, delivery.EventNewMessage))
	req.Zero(countEvents(frames1, delivery.EventUserTyping))
}

func TestMarkReadBroadcastsReceipt(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	_, err := env.service.Send(context.Background(), env.chat.ID, env.bob, "hello")
	req.NoError(err)

	conn1 := env.dial(t, env.alice)
	conn2 := env.dial(t, env.bob)
	send(t, conn1, EventJoinChat, map[string]string{"chatId": env.chat.ID})
	send(t, conn2, EventJoinChat, map[string]string{"chatId": env.chat.ID})
	env.waitForGroup(t, delivery.ChatGroup(env.chat.ID), 2)

	send(t, conn1, EventMarkChatAsRead, map[string]string{"chatId": env.chat.ID, "userId": env.alice})
	f := next(t, conn2)
	req.Equal(delivery.EventChatRead, f.Event)
	var receipt delivery.ReadReceipt
	req.NoError(json.Unmarshal(f.Data, &receipt))
	req.Equal(env.alice, receipt.UserID)

	unread, err := env.service.Ledger.UnreadCountFor(context.Background(), env.chat.ID, env.alice)
	req.NoError(err)
	req.Zero(unread)
}

func TestJoinUserReceivesChatActivity(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	conn := env.dial(t, env.bob)

	send(t, conn, EventJoinUser, map[string]string{"userId": env.bob})
	env.waitForGroup(t, delivery.UserGroup(env.bob), 1)

	_, err := env.service.Send(context.Background(), env.chat.ID, env.alice, "ping from alice")
	req.NoError(err)

	f := next(t, conn)
	req.Equal(chat.EventChatActivity, f.Event)
	var activity chat.Activity
	req.NoError(json.Unmarshal(f.Data, &activity))
	req.Equal(env.chat.ID, activity.ChatID)
	req.Equal(env.alice, activity.SenderID)
}

func TestConnectionErrorsGoToOriginOnly(t *testing.T) {
	env := newTestEnv(t)
	outsider := env.dial(t, env.carol)
	member := env.dial(t, env.bob)
	send(t, member, EventJoinChat, map[string]string{"chatId": env.chat.ID})
	env.waitForGroup(t, delivery.ChatGroup(env.chat.ID), 1)

	tests := []struct {
		name     string
		event    string
		payload  any
		wantCode string
	}{
		{"join foreign chat", EventJoinChat, map[string]string{"chatId": env.chat.ID}, "NOT_FOUND"},
		{"typing without join", EventTyping, map[string]string{"chatId": env.chat.ID}, "NOT_FOUND"},
		{"impersonation", EventJoinUser, map[string]string{"userId": env.alice}, "UNAUTHORIZED"},
		{"send to foreign chat", EventSendMessage, map[string]string{"chatId": env.chat.ID, "content": "hi"}, "NOT_FOUND"},
		{"missing chat id", EventJoinChat, map[string]string{}, "BAD_REQUEST"},
		{"unknown event", "dance", struct{}{}, "BAD_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, outsider, tt.event, tt.payload)
			f := next(t, outsider)
			require.Equal(t, delivery.EventError, f.Event)
			var p errorPayload
			require.NoError(t, json.Unmarshal(f.Data, &p))
			require.Equal(t, tt.wantCode, p.Code)
		})
	}

	require.Empty(t, drain(t, member))
}

func TestDisconnectLeavesAllGroups(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, env.alice)
	send(t, conn, EventJoinUser, map[string]string{"userId": env.alice})
	send(t, conn, EventJoinChat, map[string]string{"chatId": env.chat.ID})
	env.waitForGroup(t, delivery.ChatGroup(env.chat.ID), 1)

	require.NoError(t, conn.Close())
	env.waitForGroup(t, delivery.ChatGroup(env.chat.ID), 0)
	env.waitForGroup(t, delivery.UserGroup(env.alice), 0)
}

func TestServeWsRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
