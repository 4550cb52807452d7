package chat

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"market-chat/internal/apperr"
	"market-chat/internal/httpx"
	authmw "market-chat/internal/middleware"
)

// Handler is the Request-Path Adapter: it only translates HTTP requests into
// Service calls.
type Handler struct {
	service  *Service
	validate *validator.Validate
	log      *slog.Logger
}

func NewHandler(service *Service, log *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(),
		log:      log,
	}
}

// Routes mounts the chat API. The caller is expected to have applied the
// auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/chats", h.GetOrCreateChat)
	r.Get("/api/chats", h.ListChats)
	r.Get("/api/chats/{chatID}", h.GetChat)
	r.Get("/api/chats/{chatID}/messages", h.GetMessages)
	r.Post("/api/chats/{chatID}/messages", h.SendMessage)
	r.Post("/api/chats/{chatID}/read", h.MarkRead)
}

type createChatRequest struct {
	ListingID  string `json:"listingId" validate:"required"`
	ReceiverID string `json:"receiverId" validate:"required"`
	Category   string `json:"category" validate:"omitempty,oneof=seeker hiring vehicle other"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := authmw.UserIDFrom(r.Context())
	if !ok {
		httpx.Error(w, h.log, apperr.Unauthorized("unauthorized", nil))
	}
	return userID, ok
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpx.Error(w, h.log, apperr.BadRequest("invalid JSON body", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		httpx.Error(w, h.log, err)
		return false
	}
	return true
}

func (h *Handler) GetOrCreateChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	category, err := ParseCategory(req.Category)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	c, err := h.service.Store.GetOrCreate(r.Context(), req.ListingID, userID, req.ReceiverID, category)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.OK(w, c)
}

func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	c, err := h.service.Store.GetByRef(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	if !c.HasParticipant(userID) {
		httpx.Error(w, h.log, apperr.NotFound("Chat", nil))
		return
	}
	httpx.OK(w, c)
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	items, err := h.service.Store.ListForUser(r.Context(), userID)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.OK(w, items)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}

	result, err := h.service.Ledger.PageFor(r.Context(), chi.URLParam(r, "chatID"), userID, page, limit)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.OK(w, result)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.service.Send(r.Context(), chi.URLParam(r, "chatID"), userID, req.Content)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.Created(w, m)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actor(w, r)
	if !ok {
		return
	}
	result, err := h.service.MarkRead(r.Context(), chi.URLParam(r, "chatID"), userID)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.OK(w, result)
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.BadRequest(name+" must be an integer", err)
	}
	return v, nil
}
