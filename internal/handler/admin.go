package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/middleware"
	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

// CredentialManager administers the upstream key pool.
type CredentialManager interface {
	ListCredentials(ctx context.Context) ([]model.Credential, error)
	AddCredential(ctx context.Context, secret, label string) (*model.Credential, error)
	DeleteCredential(ctx context.Context, id string) error
	SetPrimary(ctx context.Context, id string) error
	ToggleActive(ctx context.Context, id string) (bool, error)
}

// KnowledgeInvalidator drops the cached knowledge corpus.
type KnowledgeInvalidator interface {
	Invalidate(ctx context.Context) error
}

// AdminHandler handles key pool and knowledge administration.
type AdminHandler struct {
	keys      CredentialManager
	knowledge KnowledgeInvalidator
	logger    *logger.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(keys CredentialManager, knowledge KnowledgeInvalidator, log *logger.Logger) *AdminHandler {
	return &AdminHandler{keys: keys, knowledge: knowledge, logger: log}
}

// ListKeys handles GET /api/v1/admin/keys
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	creds, err := h.keys.ListCredentials(r.Context())
	if err != nil {
		writeServiceError(w, err, 0, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": creds})
}

// AddKey handles POST /api/v1/admin/keys
func (h *AdminHandler) AddKey(w http.ResponseWriter, r *http.Request) {
	var req model.AddCredentialRequest
	if err := middleware.DecodeJSON(w, r, &req, maxSmallBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := middleware.ValidateStruct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	cred, err := h.keys.AddCredential(r.Context(), req.Key, req.Label)
	if err != nil {
		writeServiceError(w, err, 0, h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

// UpdateKey handles PATCH /api/v1/admin/keys/:id
func (h *AdminHandler) UpdateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var req model.UpdateCredentialRequest
	if err := middleware.DecodeJSON(w, r, &req, maxSmallBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := middleware.ValidateStruct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	switch req.Action {
	case model.ActionSetPrimary:
		if err := h.keys.SetPrimary(r.Context(), id); err != nil {
			writeServiceError(w, err, 0, h.logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_primary": true})
	case model.ActionToggleActive:
		active, err := h.keys.ToggleActive(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, 0, h.logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": active})
	}
}

// DeleteKey handles DELETE /api/v1/admin/keys/:id
func (h *AdminHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.keys.DeleteCredential(r.Context(), id); err != nil {
		writeServiceError(w, err, 0, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshKnowledge handles POST /api/v1/admin/knowledge/refresh
func (h *AdminHandler) RefreshKnowledge(w http.ResponseWriter, r *http.Request) {
	if err := h.knowledge.Invalidate(r.Context()); err != nil {
		writeServiceError(w, err, 0, h.logger)
		return
	}
	h.logger.Info("knowledge cache invalidated", zap.String("user_id", middleware.GetUserID(r.Context())))
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}
