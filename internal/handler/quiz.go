package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/ai-ustad/ustad-chat/internal/middleware"
	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

const maxQuizBody = 4 << 20

// QuizGenerator builds a quiz from a document.
type QuizGenerator interface {
	Generate(ctx context.Context, document string) (*model.Quiz, error)
}

// QuizHandler handles quiz generation.
type QuizHandler struct {
	quiz              QuizGenerator
	defaultRetryAfter time.Duration
	logger            *logger.Logger
}

// NewQuizHandler creates a new quiz handler.
func NewQuizHandler(quiz QuizGenerator, defaultRetryAfter time.Duration, log *logger.Logger) *QuizHandler {
	return &QuizHandler{quiz: quiz, defaultRetryAfter: defaultRetryAfter, logger: log}
}

// Generate handles POST /api/v1/quiz
func (h *QuizHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req model.QuizRequest
	if err := middleware.DecodeJSON(w, r, &req, maxQuizBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if err := middleware.ValidateStruct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Source document is required")
		return
	}

	quiz, err := h.quiz.Generate(r.Context(), req.SourceDocument)
	if err != nil {
		writeServiceError(w, err, h.defaultRetryAfter, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, model.QuizResponse{QuizData: quiz})
}
