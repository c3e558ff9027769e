package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ai-ustad/ustad-chat/internal/middleware"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	service ConversationManager
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc ConversationManager, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations/:id/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	resp, err := h.service.Messages(ctx, middleware.GetUserID(ctx), conversationID)
	if err != nil {
		writeServiceError(w, err, 0, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteAfter handles DELETE /api/v1/conversations/:id/messages?after=<messageID>
//
// Removes every turn newer than the given one so an edited prompt can be
// re-asked from that point.
func (h *MessageHandler) DeleteAfter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	after := r.URL.Query().Get("after")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := middleware.ValidateID(after); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "after must name a message")
		return
	}

	deleted, err := h.service.DeleteMessagesAfter(ctx, middleware.GetUserID(ctx), conversationID, after)
	if err != nil {
		writeServiceError(w, err, 0, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
