package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/llm"
	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
	"github.com/ai-ustad/ustad-chat/pkg/metrics"
)

const (
	maxTitleRunes       = 50
	truncatedTitleRunes = 47
)

// TurnWriter appends turns to a conversation.
type TurnWriter interface {
	InsertMessage(ctx context.Context, m *model.Message) error
}

// ActivityWriter maintains conversation bookkeeping.
type ActivityWriter interface {
	UpdateConversationTitle(ctx context.Context, id, title string, at time.Time) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

// Exchange is one prompt and the reconciled answer to it.
type Exchange struct {
	ConversationID string
	Prompt         string
	IsFirstMessage bool
	Result         *llm.Result
}

// PersistReport describes what the finalizer managed to write.
type PersistReport struct {
	Skipped          bool
	UserMessage      *model.Message
	AssistantMessage *model.Message
	Title            string
	Errors           []error
}

// Err joins every write failure.
func (r *PersistReport) Err() error {
	return errors.Join(r.Errors...)
}

// Finalizer writes an exchange after its stream reached a terminal state.
type Finalizer struct {
	turns    TurnWriter
	activity ActivityWriter
	logger   *logger.Logger
	now      func() time.Time
}

// NewFinalizer creates a finalizer.
func NewFinalizer(turns TurnWriter, activity ActivityWriter, log *logger.Logger) *Finalizer {
	return &Finalizer{
		turns:    turns,
		activity: activity,
		logger:   log,
		now:      time.Now,
	}
}

// Persist writes the user turn then the assistant turn. Each write is
// attempted independently; failures are logged and reported, never returned
// as generation errors. An EMPTY_TRUNCATED exchange writes nothing.
func (f *Finalizer) Persist(ctx context.Context, ex Exchange) *PersistReport {
	report := &PersistReport{}
	res := ex.Result
	if res == nil || res.State == llm.StateEmptyTruncated || res.State == llm.StateStreaming {
		report.Skipped = true
		return report
	}

	log := f.logger.With(
		zap.String("conversation_id", ex.ConversationID),
		zap.String("state", string(res.State)),
	)

	userAt := f.now().UTC()
	assistantAt := userAt.Add(time.Millisecond)

	user := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: ex.ConversationID,
		Role:           model.RoleUser,
		Content:        ex.Prompt,
		CreatedAt:      userAt,
	}
	if err := f.turns.InsertMessage(ctx, user); err != nil {
		report.Errors = append(report.Errors, f.failed(log, "user_turn", err))
	} else {
		report.UserMessage = user
		metrics.MessagesTotal.WithLabelValues(string(model.RoleUser)).Inc()
	}

	assistant := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: ex.ConversationID,
		Role:           model.RoleAssistant,
		Content:        res.Text,
		Sources:        res.Sources,
		FromDocument:   res.FromDocument,
		NotInDocument:  res.NotInDocument,
		CreatedAt:      assistantAt,
	}
	if err := f.turns.InsertMessage(ctx, assistant); err != nil {
		report.Errors = append(report.Errors, f.failed(log, "assistant_turn", err))
	} else {
		report.AssistantMessage = assistant
		metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
	}

	if report.UserMessage == nil && report.AssistantMessage == nil {
		return report
	}

	if ex.IsFirstMessage {
		title := DeriveTitle(ex.Prompt)
		if err := f.activity.UpdateConversationTitle(ctx, ex.ConversationID, title, assistantAt); err != nil {
			report.Errors = append(report.Errors, f.failed(log, "title", err))
		} else {
			report.Title = title
		}
	}

	if err := f.activity.TouchConversation(ctx, ex.ConversationID, assistantAt); err != nil {
		report.Errors = append(report.Errors, f.failed(log, "touch", err))
	}

	log.Debug("exchange persisted",
		zap.Bool("user_turn", report.UserMessage != nil),
		zap.Bool("assistant_turn", report.AssistantMessage != nil),
		zap.Int("text_bytes", len(res.Text)),
	)
	return report
}

func (f *Finalizer) failed(log *logger.Logger, op string, err error) error {
	metrics.PersistFailuresTotal.WithLabelValues(op).Inc()
	log.Error("failed to persist exchange", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}

// DeriveTitle returns prompt when it fits the title budget, else its first
// runes followed by "...".
func DeriveTitle(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if utf8.RuneCountInString(prompt) <= maxTitleRunes {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:truncatedTitleRunes]) + "..."
}
