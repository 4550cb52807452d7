package user

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"market-chat/internal/apperr"
	"market-chat/internal/httpx"
)

type Handler struct {
	Service *Service
	log     *slog.Logger
}

func NewHandler(s *Service, log *slog.Logger) *Handler {
	return &Handler{Service: s, log: log}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, h.log, apperr.BadRequest("invalid JSON body", err))
		return
	}

	res, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.Created(w, res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, h.log, apperr.BadRequest("invalid JSON body", err))
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	httpx.OK(w, res)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Service.SearchUsers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		httpx.Error(w, h.log, err)
		return
	}
	if users == nil {
		users = []User{}
	}
	httpx.OK(w, users)
}
