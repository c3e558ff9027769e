package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/ai-ustad/ustad-chat/internal/llm"
	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

const (
	DefaultQuizAttempts = 5

	quizInstruction = "You are a quiz generation engine. Using only the provided document, write exactly three multiple-choice questions. Each question has exactly four options and one correct answer. Respond only with JSON matching the given schema."
	quizPrompt      = "Generate a quiz with 3 multiple-choice questions based on this document."
)

// ErrQuizEmpty is returned when the model produced no usable quiz.
var ErrQuizEmpty = errors.New("AI failed to generate quiz")

var quizSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"questions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question":      map[string]any{"type": "string"},
					"options":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"correctAnswer": map[string]any{"type": "number"},
					"explanation":   map[string]any{"type": "string"},
				},
				"required": []string{"question", "options", "correctAnswer", "explanation"},
			},
		},
	},
	"required": []string{"questions"},
}

// QuizService generates multiple-choice quizzes from a document.
type QuizService struct {
	generator   Generator
	maxAttempts int
	newBackOff  func() backoff.BackOff
	logger      *logger.Logger
}

// NewQuizService creates a quiz service. Rate-limited generations are retried
// with exponential back-off up to maxAttempts in total.
func NewQuizService(generator Generator, maxAttempts int, log *logger.Logger) *QuizService {
	if maxAttempts <= 0 {
		maxAttempts = DefaultQuizAttempts
	}
	return &QuizService{
		generator:   generator,
		maxAttempts: maxAttempts,
		newBackOff:  defaultBackOff,
		logger:      log,
	}
}

// Generate builds a quiz from document.
func (s *QuizService) Generate(ctx context.Context, document string) (*model.Quiz, error) {
	if strings.TrimSpace(document) == "" {
		return nil, fmt.Errorf("%w: source document is required", ErrInvalidArgument)
	}

	req := &llm.GenerateRequest{
		Contents: []llm.Content{
			{Role: "user", Parts: []llm.Part{{Text: quizPrompt}}},
			{Role: "user", Parts: []llm.Part{{Text: "[DOCUMENT]\n" + document + "\n[/DOCUMENT]"}}},
		},
		SystemInstruction: &llm.Content{Parts: []llm.Part{{Text: quizInstruction}}},
		GenerationConfig: &llm.GenerationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   quizSchema,
		},
	}

	resp, err := generateWithBackOff(ctx, s.generator, req, s.newBackOff(), s.maxAttempts, s.logger, "quiz")
	if err != nil {
		return nil, fmt.Errorf("quiz generation failed: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return nil, ErrQuizEmpty
	}
	var quiz model.Quiz
	if err := json.Unmarshal([]byte(text), &quiz); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuizEmpty, err)
	}
	if len(quiz.Questions) == 0 {
		return nil, ErrQuizEmpty
	}
	return &quiz, nil
}
