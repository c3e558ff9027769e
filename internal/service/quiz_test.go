package service

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-ustad/ustad-chat/internal/llm"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

const quizJSON = `{"questions":[{"question":"What share of savings is Zakat?","options":["1%","2.5%","5%","10%"],"correctAnswer":1,"explanation":"Zakat on savings is 2.5%."}]}`

// scriptedGenerator returns errs in order, then resp.
type scriptedGenerator struct {
	errs  []error
	resp  *llm.GenerateResponse
	calls int
	last  *llm.GenerateRequest
}

func (g *scriptedGenerator) Dispatch(context.Context, *llm.GenerateRequest) (*llm.Stream, error) {
	return nil, errors.New("not used")
}

func (g *scriptedGenerator) Generate(_ context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	g.calls++
	g.last = req
	if g.calls <= len(g.errs) {
		return nil, g.errs[g.calls-1]
	}
	return g.resp, nil
}

func textResponse(text string) *llm.GenerateResponse {
	return &llm.GenerateResponse{Candidates: []llm.Candidate{{Content: llm.Content{Parts: []llm.Part{{Text: text}}}}}}
}

func newTestQuizService(gen Generator, attempts int) *QuizService {
	s := NewQuizService(gen, attempts, logger.NewNop())
	s.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return s
}

func TestQuiz_Success(t *testing.T) {
	gen := &scriptedGenerator{resp: textResponse(quizJSON)}

	quiz, err := newTestQuizService(gen, 5).Generate(context.Background(), "Zakat is 2.5% of savings.")
	require.NoError(t, err)
	require.Len(t, quiz.Questions, 1)
	assert.Equal(t, 1, quiz.Questions[0].CorrectAnswer)
	assert.Len(t, quiz.Questions[0].Options, 4)

	require.NotNil(t, gen.last.GenerationConfig)
	assert.Equal(t, "application/json", gen.last.GenerationConfig.ResponseMimeType)
	assert.NotNil(t, gen.last.GenerationConfig.ResponseSchema)
}

func TestQuiz_RetriesRateLimit(t *testing.T) {
	exhausted := &llm.PoolExhaustedError{Attempts: 1, RetryAfter: "1s"}
	gen := &scriptedGenerator{errs: []error{exhausted, exhausted}, resp: textResponse(quizJSON)}

	_, err := newTestQuizService(gen, 5).Generate(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, 3, gen.calls)
}

func TestQuiz_GivesUpAfterMaxAttempts(t *testing.T) {
	exhausted := &llm.PoolExhaustedError{Attempts: 1, RetryAfter: "1s"}
	gen := &scriptedGenerator{errs: []error{exhausted, exhausted, exhausted, exhausted, exhausted, exhausted}}

	_, err := newTestQuizService(gen, 5).Generate(context.Background(), "doc")

	var got *llm.PoolExhaustedError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, 5, gen.calls)
}

func TestQuiz_OtherErrorsAreNotRetried(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{&llm.ServiceUnavailableError{}}}

	_, err := newTestQuizService(gen, 5).Generate(context.Background(), "doc")

	var unavailable *llm.ServiceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 1, gen.calls)
}

func TestQuiz_EmptyDocument(t *testing.T) {
	gen := &scriptedGenerator{}

	_, err := newTestQuizService(gen, 5).Generate(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 0, gen.calls)
}

func TestQuiz_UnusableResponse(t *testing.T) {
	for name, text := range map[string]string{
		"empty":        "",
		"not json":     "Here is your quiz!",
		"no questions": `{"questions":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			gen := &scriptedGenerator{resp: textResponse(text)}
			_, err := newTestQuizService(gen, 5).Generate(context.Background(), "doc")
			assert.ErrorIs(t, err, ErrQuizEmpty)
		})
	}
}
