package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/llm"
	"github.com/ai-ustad/ustad-chat/internal/middleware"
	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/internal/service"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
	"github.com/ai-ustad/ustad-chat/pkg/metrics"
)

const (
	maxChatBody       = 1 << 20
	streamInterrupted = "Stream interrupted"
)

// ChatRunner runs one exchange.
type ChatRunner interface {
	Start(ctx context.Context, userID string, req *model.ChatRequest) (*service.ChatSession, error)
	Stream(ctx context.Context, sess *service.ChatSession, onFragment llm.FragmentFunc) (*llm.Result, *service.PersistReport)
}

// ChatHandler serves the chat event stream.
type ChatHandler struct {
	chat              ChatRunner
	defaultRetryAfter time.Duration
	logger            *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chat ChatRunner, defaultRetryAfter time.Duration, log *logger.Logger) *ChatHandler {
	if defaultRetryAfter <= 0 {
		defaultRetryAfter = llm.DefaultRetryAfter
	}
	return &ChatHandler{
		chat:              chat,
		defaultRetryAfter: defaultRetryAfter,
		logger:            log,
	}
}

// Chat handles POST /api/v1/chat
//
// Errors before the upstream stream opens are plain JSON responses. Once it
// opens, the response is an event stream: metadata, text fragments, then
// either done or error.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}

	var req model.ChatRequest
	if err := middleware.DecodeJSON(w, r, &req, maxChatBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Please provide a question.")
		return
	}
	if err := middleware.ValidateStruct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Please provide a question.")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return
	}

	sess, err := h.chat.Start(ctx, userID, &req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidArgument) {
			writeError(w, http.StatusBadRequest, "invalid_request", "Please provide a question.")
			return
		}
		writeServiceError(w, err, h.defaultRetryAfter, h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.WithRequest(middleware.GetCorrelationID(ctx), userID).
		With(zap.String("conversation_id", sess.ChatID))

	if err := sendSSEEvent(w, flusher, model.ChatEvent{Type: model.ChatEventMetadata, ChatID: sess.ChatID}); err != nil {
		log.Debug("client gone before metadata", zap.Error(err))
	}

	res, report := h.chat.Stream(ctx, sess, func(text string) error {
		return sendSSEEvent(w, flusher, model.ChatEvent{Type: model.ChatEventText, Text: text})
	})

	if err := report.Err(); err != nil {
		log.Warn("exchange persisted partially", zap.Error(err))
	}

	if res.Cancelled {
		log.Info("chat stream cancelled by client",
			zap.String("state", string(res.State)),
			zap.Int("text_bytes", len(res.Text)),
		)
		return
	}

	final := model.ChatEvent{
		Type:            model.ChatEventDone,
		Sources:         res.Sources,
		IsFromDocument:  res.FromDocument,
		IsNotInDocument: res.NotInDocument,
		State:           string(res.State),
	}
	if res.Err != nil {
		log.Warn("chat stream interrupted", zap.Error(res.Err), zap.String("state", string(res.State)))
		final = model.ChatEvent{Type: model.ChatEventError, Error: streamInterrupted, State: string(res.State)}
	}
	if err := sendSSEEvent(w, flusher, final); err != nil {
		log.Debug("client gone before final event", zap.Error(err))
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev model.ChatEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
