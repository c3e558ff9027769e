// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ai-ustad/ustad-chat/internal/middleware"
	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

const maxSmallBody = 64 << 10

// ConversationManager is the conversation surface of the service layer.
type ConversationManager interface {
	List(ctx context.Context, userID string) (*model.ListConversationsResponse, error)
	Get(ctx context.Context, userID, id string) (*model.Conversation, error)
	Rename(ctx context.Context, userID, id, title string) (*model.Conversation, error)
	Delete(ctx context.Context, userID, id string) error
	Messages(ctx context.Context, userID, id string) (*model.ListMessagesResponse, error)
	DeleteMessagesAfter(ctx context.Context, userID, id, messageID string) (int64, error)
}

// EventLister reads the audit events of a conversation.
type EventLister interface {
	ListEvents(ctx context.Context, userID, conversationID string, limit int) ([]model.ConversationEvent, error)
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service ConversationManager
	events  EventLister
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler. events may be
// nil, in which case the events endpoint answers 503.
func NewConversationHandler(svc ConversationManager, events EventLister, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		events:  events,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp, err := h.service.List(ctx, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, err, 0, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Rename handles PATCH /api/v1/conversations/:id
func (h *ConversationHandler) Rename(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var req model.RenameConversationRequest
	if err := middleware.DecodeJSON(w, r, &req, maxSmallBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := middleware.ValidateStruct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	conv, err := h.service.Rename(ctx, middleware.GetUserID(ctx), conversationID, req.Title)
	if err != nil {
		writeServiceError(w, err, 0, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /api/v1/conversations/:id
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.service.Delete(ctx, middleware.GetUserID(ctx), conversationID); err != nil {
		writeServiceError(w, err, 0, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events handles GET /api/v1/conversations/:id/events
func (h *ConversationHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "event stream is not configured")
		return
	}

	if _, err := h.service.Get(ctx, userID, conversationID); err != nil {
		writeServiceError(w, err, 0, h.logger)
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	events, err := h.events.ListEvents(fetchCtx, userID, conversationID, limit)
	if err != nil {
		writeServiceError(w, err, 0, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
