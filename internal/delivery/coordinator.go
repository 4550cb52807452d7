package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"market-chat/internal/apperr"
)

// Outbound event names of the connection path.
const (
	EventNewMessage     = "new-message"
	EventChatRead       = "chat-read"
	EventUserTyping     = "user-typing"
	EventUserStopTyping = "user-stop-typing"
	EventError          = "error"
	EventPong           = "pong"
)

// Frame is the JSON unit exchanged with live connections in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Subscriber is a live connection. Deliver must not block; it reports
// whether the frame was accepted.
type Subscriber interface {
	ID() string
	UserID() string
	Deliver(frame []byte) bool
}

// Envelope is one fan-out request: a frame for every member of Group, except
// connections owned by ExcludeUser.
type Envelope struct {
	Group       string          `json:"group"`
	ExcludeUser string          `json:"excludeUser,omitempty"`
	Frame       json.RawMessage `json:"frame"`
}

// Relay carries envelopes to every process. The process that receives an
// envelope hands it back to its own Coordinator.Deliver.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
}

type ReadReceipt struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type Typing struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

func ChatGroup(chatID string) string { return "chat:" + chatID }
func UserGroup(userID string) string { return "user:" + userID }

// Coordinator owns the process-local mapping from delivery group to live
// connections. It persists nothing; the map starts empty and every
// connection removes itself on disconnect.
type Coordinator struct {
	mu      sync.RWMutex
	groups  map[string]map[Subscriber]struct{}
	members map[Subscriber]map[string]struct{}
	// userGroup remembers the single user-scoped group of each connection.
	userGroup map[Subscriber]string
	relay     Relay
	log       *slog.Logger
}

func NewCoordinator(log *slog.Logger) *Coordinator {
	return &Coordinator{
		groups:    make(map[string]map[Subscriber]struct{}),
		members:   make(map[Subscriber]map[string]struct{}),
		userGroup: make(map[Subscriber]string),
		log:       log,
	}
}

// UseRelay routes publishes through r instead of delivering in-process.
func (c *Coordinator) UseRelay(r Relay) {
	c.relay = r
}

func (c *Coordinator) join(sub Subscriber, group string) {
	if c.groups[group] == nil {
		c.groups[group] = make(map[Subscriber]struct{})
	}
	c.groups[group][sub] = struct{}{}
	if c.members[sub] == nil {
		c.members[sub] = make(map[string]struct{})
	}
	c.members[sub][group] = struct{}{}
}

func (c *Coordinator) leave(sub Subscriber, group string) {
	if members, ok := c.groups[group]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(c.groups, group)
		}
	}
	if groups, ok := c.members[sub]; ok {
		delete(groups, group)
		if len(groups) == 0 {
			delete(c.members, sub)
		}
	}
}

// Subscribe adds sub to the delivery group of a chat.
func (c *Coordinator) Subscribe(sub Subscriber, chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.join(sub, ChatGroup(chatID))
}

// SubscribeUser puts sub in the user-scoped group of userID, replacing any
// previous user group of that connection.
func (c *Coordinator) SubscribeUser(sub Subscriber, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if previous, ok := c.userGroup[sub]; ok {
		c.leave(sub, previous)
	}
	group := UserGroup(userID)
	c.userGroup[sub] = group
	c.join(sub, group)
}

func (c *Coordinator) Unsubscribe(sub Subscriber, chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leave(sub, ChatGroup(chatID))
}

// UnsubscribeAll drops every membership of sub. Called on disconnect.
func (c *Coordinator) UnsubscribeAll(sub Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for group := range c.members[sub] {
		if members, ok := c.groups[group]; ok {
			delete(members, sub)
			if len(members) == 0 {
				delete(c.groups, group)
			}
		}
	}
	delete(c.members, sub)
	delete(c.userGroup, sub)
}

func (c *Coordinator) IsSubscribed(sub Subscriber, chatID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[sub][ChatGroup(chatID)]
	return ok
}

func (c *Coordinator) GroupSize(group string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.groups[group])
}

// PublishMessage broadcasts a persisted message to the chat's group.
func (c *Coordinator) PublishMessage(ctx context.Context, chatID string, message any) {
	c.publish(ctx, ChatGroup(chatID), "", EventNewMessage, message)
}

// PublishReadReceipt broadcasts that readerID has read the chat.
func (c *Coordinator) PublishReadReceipt(ctx context.Context, chatID, readerID string) {
	c.publish(ctx, ChatGroup(chatID), "", EventChatRead, ReadReceipt{ChatID: chatID, UserID: readerID})
}

// PublishEphemeral relays a typing signal to the chat's group without
// echoing it back to the sender's own connections.
func (c *Coordinator) PublishEphemeral(ctx context.Context, chatID, senderID, kind string) {
	c.publish(ctx, ChatGroup(chatID), senderID, kind, Typing{ChatID: chatID, UserID: senderID})
}

// NotifyUser sends an event to the user-scoped group of userID.
func (c *Coordinator) NotifyUser(ctx context.Context, userID, event string, payload any) {
	c.publish(ctx, UserGroup(userID), "", event, payload)
}

func (c *Coordinator) publish(ctx context.Context, group, excludeUser, event string, payload any) {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		c.log.Error("failed to encode frame", "event", event, "error", apperr.DeliveryFailure("encode", err))
		return
	}
	env := Envelope{Group: group, ExcludeUser: excludeUser, Frame: frame}
	if c.relay != nil {
		if err := c.relay.Publish(ctx, env); err != nil {
			c.log.Warn("relay publish failed", "group", group, "event", event, "error", apperr.DeliveryFailure("relay publish", err))
		}
		return
	}
	c.Deliver(env)
}

// Deliver hands an envelope to the local members of its group and returns
// how many connections accepted it. Connections that are gone or saturated
// are skipped; nothing is queued or retried.
func (c *Coordinator) Deliver(env Envelope) int {
	c.mu.RLock()
	targets := make([]Subscriber, 0, len(c.groups[env.Group]))
	for sub := range c.groups[env.Group] {
		targets = append(targets, sub)
	}
	c.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if env.ExcludeUser != "" && sub.UserID() == env.ExcludeUser {
			continue
		}
		if sub.Deliver(env.Frame) {
			delivered++
			continue
		}
		c.log.Debug("frame dropped", "group", env.Group, "connection_id", sub.ID())
	}
	return delivered
}

func EncodeFrame(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return json.Marshal(Frame{Event: event, Data: data})
}
