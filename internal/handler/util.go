package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/llm"
	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/internal/service"
	"github.com/ai-ustad/ustad-chat/internal/storage"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

const (
	notConfiguredMessage = "AI service is not configured. Please add GEMINI_API_KEY to environment variables."
	overloadedMessage    = "The AI service is temporarily overloaded. Please try again in a moment."
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, model.ErrorResponse{Error: code, Message: message})
}

// writeServiceError maps a service or upstream error to its HTTP response.
// defaultRetryAfter is used when a rate-limit error carries no usable delay.
func writeServiceError(w http.ResponseWriter, err error, defaultRetryAfter time.Duration, log *logger.Logger) {
	var exhausted *llm.PoolExhaustedError
	var unavailable *llm.ServiceUnavailableError

	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())

	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "Unauthorized access to chat")

	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")

	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "resource already exists")

	case errors.As(err, &exhausted):
		retryAfter := exhausted.RetryAfterSeconds()
		if retryAfter <= 0 {
			retryAfter = int(defaultRetryAfter.Seconds())
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, model.ErrorResponse{
			Error:      "rate_limit",
			Message:    exhausted.Error(),
			RetryAfter: retryAfter,
		})

	case errors.As(err, &unavailable):
		msg := unavailable.Message
		if msg == "" {
			msg = overloadedMessage
		}
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", msg)

	case errors.Is(err, llm.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", notConfiguredMessage)

	case errors.Is(err, service.ErrNothingToRead), errors.Is(err, service.ErrNoText):
		writeError(w, http.StatusBadRequest, "invalid_request", userMessage(err))

	case errors.Is(err, service.ErrNoAudio):
		writeError(w, http.StatusBadGateway, "tts_failed", service.ErrNoAudio.Error())

	case errors.Is(err, service.ErrQuizEmpty):
		writeError(w, http.StatusBadGateway, "quiz_generation_failed", service.ErrQuizEmpty.Error())

	default:
		log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "Internal server error")
	}
}

// userMessage returns the message of the first user-facing sentinel in err.
func userMessage(err error) string {
	for _, target := range []error{service.ErrNothingToRead, service.ErrNoText} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}
