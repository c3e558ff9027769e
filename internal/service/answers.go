package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/llm"
	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

const (
	extractAnswersPrompt = `Review this document and extract any existing answer key or answers section.
Look for patterns like:
- "Answer Key:" or "Answers:"
- "Correct Answers:"
- Q&A format with answers
- Test answers listed at the end
- Solutions or Answer sections

If you find answers, return ONLY a JSON array with this exact format (no markdown, no extra text):
[{"question": "...", "answer": "..."}]

If no answers exist, return this exact response:
{"hasAnswers": false}

Document:
`

	generateAnswersPrompt = `Based on this document, create a comprehensive answer key for all questions, topics, or learning points.
Return ONLY a JSON array with this exact format (no markdown, no extra text):
[{"question": "...", "answer": "..."}]

Make sure to identify all questions and provide complete, accurate answers based on the document content.

Document:
`
)

// AnswerKeyService finds the answer key inside a document, or writes one.
type AnswerKeyService struct {
	generator   Generator
	maxAttempts int
	newBackOff  func() backoff.BackOff
	logger      *logger.Logger
}

// NewAnswerKeyService creates an answer key service.
func NewAnswerKeyService(generator Generator, maxAttempts int, log *logger.Logger) *AnswerKeyService {
	if maxAttempts <= 0 {
		maxAttempts = DefaultQuizAttempts
	}
	return &AnswerKeyService{
		generator:   generator,
		maxAttempts: maxAttempts,
		newBackOff:  defaultBackOff,
		logger:      log,
	}
}

// AnswerKey extracts existing answers from document. When it has none, the
// model generates them and the result is marked Generated. An empty
// document yields an empty key.
func (s *AnswerKeyService) AnswerKey(ctx context.Context, document string) (*model.AnswerKey, error) {
	if strings.TrimSpace(document) == "" {
		return &model.AnswerKey{Answers: []model.Answer{}}, nil
	}

	var parse *answerParseError

	found, err := s.ask(ctx, extractAnswersPrompt+document, 0.2, 2000)
	switch {
	case err == nil && len(found) > 0:
		return &model.AnswerKey{HasAnswers: true, Answers: found}, nil
	case errors.As(err, &parse):
		s.logger.Warn("extracted answer key unparseable, generating instead", zap.Error(err))
	case err != nil:
		return nil, fmt.Errorf("answer extraction failed: %w", err)
	}

	generated, err := s.ask(ctx, generateAnswersPrompt+document, 0.7, 4000)
	if err != nil {
		if errors.As(err, &parse) {
			s.logger.Warn("generated answer key unparseable", zap.Error(err))
			return &model.AnswerKey{Answers: []model.Answer{}}, nil
		}
		return nil, fmt.Errorf("answer key generation failed: %w", err)
	}
	if len(generated) == 0 {
		return &model.AnswerKey{Answers: []model.Answer{}}, nil
	}
	return &model.AnswerKey{Answers: generated, Generated: true}, nil
}

func (s *AnswerKeyService) ask(ctx context.Context, prompt string, temperature float64, maxTokens int) ([]model.Answer, error) {
	req := &llm.GenerateRequest{
		Contents: []llm.Content{{Role: "user", Parts: []llm.Part{{Text: prompt}}}},
		GenerationConfig: &llm.GenerationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxTokens,
			TopP:            0.95,
		},
	}
	resp, err := generateWithBackOff(ctx, s.generator, req, s.newBackOff(), s.maxAttempts, s.logger, "answer_key")
	if err != nil {
		return nil, err
	}
	return parseAnswers(resp.Text())
}

type answerParseError struct{ snippet string }

func (e *answerParseError) Error() string {
	return fmt.Sprintf("could not parse answers from %q", e.snippet)
}

// parseAnswers reads a JSON answer array, tolerating code fences and prose
// around it. A JSON object such as {"hasAnswers": false} means no answers.
func parseAnswers(text string) ([]model.Answer, error) {
	clean := strings.ReplaceAll(text, "```json", "")
	clean = strings.ReplaceAll(clean, "```", "")
	clean = strings.TrimSpace(clean)

	candidates := []string{clean}
	if i, j := strings.Index(clean, "["), strings.LastIndex(clean, "]"); i >= 0 && j > i {
		candidates = append(candidates, clean[i:j+1])
	}
	if i, j := strings.Index(clean, "{"), strings.LastIndex(clean, "}"); i >= 0 && j > i {
		candidates = append(candidates, clean[i:j+1])
	}

	for _, c := range candidates {
		var answers []model.Answer
		if err := json.Unmarshal([]byte(c), &answers); err == nil {
			return answers, nil
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(c), &obj); err == nil {
			return nil, nil
		}
	}

	snippet := clean
	if len(snippet) > 80 {
		snippet = snippet[:80]
	}
	return nil, &answerParseError{snippet: snippet}
}
