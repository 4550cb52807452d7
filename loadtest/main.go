package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"market-chat/internal/logging"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type loginData struct {
	Token string `json:"access_token"`
	ID    string `json:"id"`
}

type chatData struct {
	ID string `json:"id"`
}

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

type runner struct {
	baseURL   string
	wsURL     string
	listingID string
	msgCount  int
	interval  time.Duration
	log       *slog.Logger
	stats     stats
}

func main() {
	flagSet := pflag.NewFlagSet("loadtest", pflag.ExitOnError)
	baseURL := flagSet.String("base-url", "http://localhost:8080", "server base URL")
	pairs := flagSet.Int("pairs", 50, "number of user pairs")
	msgCount := flagSet.Int("messages", 20, "messages sent per user")
	interval := flagSet.Duration("interval", 10*time.Millisecond, "pause between messages of one user")
	listingID := flagSet.String("listing", "", "existing listing id the chats are about")
	anyListing := flagSet.Bool("any-listing", false,
		"use a random listing id; the server must run with LISTING_CHECK=false or STORAGE_DRIVER=badger")
	_ = flagSet.Parse(os.Args[1:])

	if *listingID == "" {
		if !*anyListing {
			fmt.Fprintln(os.Stderr, "error: --listing is required unless --any-listing is set")
			os.Exit(2)
		}
		*listingID = uuid.NewString()
	}
	r := &runner{
		baseURL:   strings.TrimRight(*baseURL, "/"),
		wsURL:     "ws" + strings.TrimPrefix(strings.TrimRight(*baseURL, "/"), "http") + "/ws",
		listingID: *listingID,
		msgCount:  *msgCount,
		interval:  *interval,
		log:       logging.New("info"),
	}

	start := time.Now()
	r.log.Info("starting load test", "users", *pairs*2, "messages_per_user", *msgCount)
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			r.runPair(pairID)
		}(i)
	}
	wg.Wait()

	r.log.Info("load test complete",
		"elapsed", time.Since(start),
		"sent", r.stats.sent.Load(),
		"received", r.stats.received.Load(),
		"failed", r.stats.failed.Load(),
	)
}

func (r *runner) runPair(pairID int) {
	run := uuid.NewString()[:8]
	userA := fmt.Sprintf("u%s%da", run, pairID)
	userB := fmt.Sprintf("u%s%db", run, pairID)
	pass := "password123"

	a, err := r.authenticate(userA, pass)
	if err != nil {
		r.fail("login", userA, err)
		return
	}
	b, err := r.authenticate(userB, pass)
	if err != nil {
		r.fail("login", userB, err)
		return
	}

	chatID, err := r.createChat(a.Token, b.ID)
	if err != nil {
		r.fail("create chat", userA, err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go r.chatter(&wg, a.Token, chatID, userA)
	go r.chatter(&wg, b.Token, chatID, userB)
	wg.Wait()
}

func (r *runner) fail(step, user string, err error) {
	r.stats.failed.Add(1)
	r.log.Warn(step+" failed", "user", user, "error", err)
}

func (r *runner) authenticate(username, password string) (*loginData, error) {
	creds := map[string]string{"username": username, "password": password}
	if _, err := r.call(http.MethodPost, "/register", "", creds); err != nil {
		return nil, err
	}
	raw, err := r.call(http.MethodPost, "/login", "", creds)
	if err != nil {
		return nil, err
	}
	var data loginData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

func (r *runner) createChat(token, receiverID string) (string, error) {
	raw, err := r.call(http.MethodPost, "/api/chats", token, map[string]string{
		"listingId":  r.listingID,
		"receiverId": receiverID,
	})
	if err != nil {
		return "", err
	}
	var data chatData
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", err
	}
	return data.ID, nil
}

func (r *runner) call(method, path, token string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(method, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return env.Data, nil
}

// chatter joins the chat, sends msgCount messages and counts the
// new-message frames that arrive while it does.
func (r *runner) chatter(wg *sync.WaitGroup, token, chatID, user string) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL+"?token="+url.QueryEscape(token), nil)
	if err != nil {
		r.fail("websocket connect", user, err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var f struct {
				Event string `json:"event"`
			}
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Event == "new-message" {
				r.stats.received.Add(1)
			}
		}
	}()

	if err := conn.WriteJSON(frame{Event: "join-chat", Data: map[string]string{"chatId": chatID}}); err != nil {
		r.fail("join chat", user, err)
		return
	}
	for i := 0; i < r.msgCount; i++ {
		err := conn.WriteJSON(frame{Event: "send-message", Data: map[string]string{
			"chatId":  chatID,
			"content": fmt.Sprintf("load test message %d from %s", i, user),
		}})
		if err != nil {
			r.fail("send", user, err)
			return
		}
		r.stats.sent.Add(1)
		time.Sleep(r.interval)
	}

	// Give the last fan-out a moment before hanging up.
	time.Sleep(500 * time.Millisecond)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
