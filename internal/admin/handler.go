// Package admin is the operator HTTP surface: runtime stats and service
// notices pushed to connected clients.
package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"go-chat-gateway/internal/gateway"
)

type Gateway interface {
	Stats(ctx context.Context) gateway.Stats
	Notify(ctx context.Context, recipientID, body string) error
}

type NotifyRequest struct {
	Body string `json:"body"`
}

type Handler struct {
	gateway Gateway
}

func NewHandler(gw Gateway) *Handler {
	return &Handler{gateway: gw}
}

// Routes mounts the admin endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/stats", h.Stats)
	r.Post("/notify/{clientID}", h.Notify)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.gateway.Stats(r.Context()))
}

func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Body == "" {
		http.Error(w, "body is required", http.StatusBadRequest)
		return
	}

	err := h.gateway.Notify(r.Context(), chi.URLParam(r, "clientID"), req.Body)
	switch {
	case errors.Is(err, gateway.ErrNotConnected):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}
