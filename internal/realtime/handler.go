package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"market-chat/internal/apperr"
	"market-chat/internal/chat"
	"market-chat/internal/delivery"
	authmw "market-chat/internal/middleware"
)

// Inbound event names.
const (
	EventJoinUser       = "join-user"
	EventJoinChat       = "join-chat"
	EventLeaveChat      = "leave-chat"
	EventSendMessage    = "send-message"
	EventMarkChatAsRead = "mark-chat-as-read"
	EventTyping         = "typing"
	EventStopTyping     = "stop-typing"
	EventPing           = "ping"
)

// Chats is the shared operation set the connection path calls into.
type Chats interface {
	RequireParticipant(ctx context.Context, chatID, userID string) (*chat.Chat, error)
	Send(ctx context.Context, chatID, senderID, content string) (*chat.Message, error)
	MarkRead(ctx context.Context, chatID, readerID string) (*chat.ReadResult, error)
}

type userPayload struct {
	UserID string `json:"userId" validate:"required"`
}

type chatPayload struct {
	ChatID string `json:"chatId" validate:"required"`
}

type chatUserPayload struct {
	ChatID string `json:"chatId" validate:"required"`
	UserID string `json:"userId"`
}

type sendMessagePayload struct {
	ChatID  string `json:"chatId" validate:"required"`
	Content string `json:"content"`
	Sender  string `json:"sender"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Handler is the Connection-Path Adapter.
type Handler struct {
	chats    Chats
	coord    *delivery.Coordinator
	upgrader websocket.Upgrader
	validate *validator.Validate
	log      *slog.Logger
}

func NewHandler(chats Chats, coord *delivery.Coordinator, log *slog.Logger) *Handler {
	return &Handler{
		chats: chats,
		coord: coord,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients are served from other origins; the token is the guard.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validate: validator.New(),
		log:      log,
	}
}

// ServeWs upgrades an authenticated request and starts the client pumps.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := authmw.UserIDFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, userID)
	h.log.Debug("connection opened", "connection_id", client.id, "user_id", userID, "username", authmw.UsernameFrom(r.Context()))

	// The request context ends with the handshake; pumps live with the socket.
	go client.writePump()
	go client.readPump(context.Background(), h)
}

func (h *Handler) dispatch(ctx context.Context, c *Client, raw []byte) {
	var frame delivery.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.sendError(c, apperr.BadRequest("invalid frame", err))
		return
	}

	switch frame.Event {
	case EventPing:
		h.reply(c, delivery.EventPong, struct{}{})

	case EventJoinUser:
		var p userPayload
		if !h.decode(c, frame.Data, &p) || !h.isSelf(c, p.UserID) {
			return
		}
		h.coord.SubscribeUser(c, p.UserID)

	case EventJoinChat:
		var p chatPayload
		if !h.decode(c, frame.Data, &p) {
			return
		}
		if _, err := h.chats.RequireParticipant(ctx, p.ChatID, c.userID); err != nil {
			h.sendError(c, err)
			return
		}
		h.coord.Subscribe(c, p.ChatID)
		h.log.Debug("joined chat", "connection_id", c.id, "chat_id", p.ChatID,
			"members", h.coord.GroupSize(delivery.ChatGroup(p.ChatID)))

	case EventLeaveChat:
		var p chatPayload
		if !h.decode(c, frame.Data, &p) {
			return
		}
		h.coord.Unsubscribe(c, p.ChatID)

	case EventSendMessage:
		var p sendMessagePayload
		if !h.decode(c, frame.Data, &p) {
			return
		}
		if p.Sender != "" && !h.isSelf(c, p.Sender) {
			return
		}
		// Fan-out happens inside Send, after the message is durable.
		if _, err := h.chats.Send(ctx, p.ChatID, c.userID, p.Content); err != nil {
			h.sendError(c, err)
		}

	case EventMarkChatAsRead:
		var p chatUserPayload
		if !h.decode(c, frame.Data, &p) {
			return
		}
		if p.UserID != "" && !h.isSelf(c, p.UserID) {
			return
		}
		if _, err := h.chats.MarkRead(ctx, p.ChatID, c.userID); err != nil {
			h.sendError(c, err)
		}

	case EventTyping, EventStopTyping:
		var p chatUserPayload
		if !h.decode(c, frame.Data, &p) {
			return
		}
		if p.UserID != "" && !h.isSelf(c, p.UserID) {
			return
		}
		if !h.coord.IsSubscribed(c, p.ChatID) {
			h.sendError(c, apperr.NotFound("Chat", nil))
			return
		}
		kind := delivery.EventUserTyping
		if frame.Event == EventStopTyping {
			kind = delivery.EventUserStopTyping
		}
		h.coord.PublishEphemeral(ctx, p.ChatID, c.userID, kind)

	default:
		h.sendError(c, apperr.BadRequest("unknown event "+frame.Event, nil))
	}
}

func (h *Handler) decode(c *Client, data json.RawMessage, dst any) bool {
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		h.sendError(c, apperr.BadRequest("invalid payload", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.sendError(c, apperr.BadRequest("invalid payload", err))
		return false
	}
	return true
}

// isSelf rejects payloads that claim another identity than the connection's.
func (h *Handler) isSelf(c *Client, userID string) bool {
	if userID == c.userID {
		return true
	}
	h.sendError(c, apperr.Unauthorized("user does not match the connection", nil))
	return false
}

// sendError answers the originating connection only.
func (h *Handler) sendError(c *Client, err error) {
	code := ""
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		if appErr.Status >= http.StatusInternalServerError {
			h.log.Error("connection event failed", "connection_id", c.id, "error", err)
		}
	}
	h.reply(c, delivery.EventError, errorPayload{Message: apperr.PublicMessage(err), Code: code})
}

func (h *Handler) reply(c *Client, event string, payload any) {
	frame, err := delivery.EncodeFrame(event, payload)
	if err != nil {
		h.log.Error("failed to encode frame", "event", event, "error", err)
		return
	}
	if !c.Deliver(frame) {
		h.log.Debug("reply dropped", "connection_id", c.id, "event", event)
	}
}
