// Package service provides business logic for the chat service.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ai-ustad/ustad-chat/internal/llm"
	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/internal/storage"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
	"github.com/ai-ustad/ustad-chat/pkg/metrics"
)

const DefaultPersistTimeout = 10 * time.Second

// ConversationStore persists conversations.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	CreateConversation(ctx context.Context, c *model.Conversation) error
	ClaimConversation(ctx context.Context, id, userID string) error
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	RenameConversation(ctx context.Context, id, title string, at time.Time) error
	DeleteConversation(ctx context.Context, id string) error
	ActivityWriter
}

// MessageStore persists turns.
type MessageStore interface {
	TurnWriter
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	DeleteMessagesAfter(ctx context.Context, conversationID, messageID string) (int64, error)
}

// KnowledgeSource returns the combined knowledge corpus.
type KnowledgeSource interface {
	Corpus(ctx context.Context) (string, error)
}

// Generator opens streaming and unary generations across the key pool.
type Generator interface {
	Dispatch(ctx context.Context, req *llm.GenerateRequest) (*llm.Stream, error)
	Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error)
}

// EventPublisher records exchange outcomes.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// ChatConfig tunes a ChatService.
type ChatConfig struct {
	HistoryWindow  int
	PersistTimeout time.Duration
}

// ChatService runs one exchange: context building, dispatch, reconciliation
// and persistence.
type ChatService struct {
	conversations ConversationStore
	messages      MessageStore
	knowledge     KnowledgeSource
	generator     Generator
	reader        *llm.StreamReader
	finalizer     *Finalizer
	events        EventPublisher
	cfg           ChatConfig
	logger        *logger.Logger
	now           func() time.Time
}

// NewChatService creates a chat service. events may be nil.
func NewChatService(
	conversations ConversationStore,
	messages MessageStore,
	knowledge KnowledgeSource,
	generator Generator,
	reader *llm.StreamReader,
	events EventPublisher,
	cfg ChatConfig,
	log *logger.Logger,
) *ChatService {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	return &ChatService{
		conversations: conversations,
		messages:      messages,
		knowledge:     knowledge,
		generator:     generator,
		reader:        reader,
		finalizer:     NewFinalizer(messages, conversations, log),
		events:        events,
		cfg:           cfg,
		logger:        log,
		now:           time.Now,
	}
}

// ChatSession is an exchange whose upstream stream is open.
type ChatSession struct {
	ChatID         string
	UserID         string
	Prompt         string
	IsFirstMessage bool
	Attempt        int

	stream *llm.Stream
}

// Close releases the upstream stream without reading it.
func (s *ChatSession) Close() {
	if s.stream != nil {
		_ = s.stream.Close()
	}
}

// Start resolves the conversation, builds the request and dispatches it.
// Nothing is persisted unless a stream is opened.
func (s *ChatService) Start(ctx context.Context, userID string, req *model.ChatRequest) (*ChatSession, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidArgument)
	}
	chatID := ResolveChatID(req.ChatID)
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat id is required", ErrInvalidArgument)
	}

	if err := s.ensureConversation(ctx, chatID, userID); err != nil {
		return nil, err
	}

	corpus, turns := s.loadContext(ctx, chatID)
	genReq := BuildChatRequest(corpus, BuildHistory(turns, s.cfg.HistoryWindow), prompt)

	s.logger.Debug("dispatching chat request",
		zap.String("conversation_id", chatID),
		zap.Int("history_turns", len(turns)),
		zap.Int("corpus_bytes", len(corpus)),
	)

	stream, err := s.generator.Dispatch(ctx, genReq)
	if err != nil {
		s.publish(ctx, chatID, userID, dispatchEventType(err), err.Error(), nil)
		return nil, err
	}

	return &ChatSession{
		ChatID:         chatID,
		UserID:         userID,
		Prompt:         prompt,
		IsFirstMessage: req.IsFirstMessage,
		Attempt:        stream.Attempt,
		stream:         stream,
	}, nil
}

// Stream reads the session to a terminal state, forwarding fragments, then
// persists the exchange on a context detached from ctx so that a client
// disconnect cannot cancel the writes.
func (s *ChatService) Stream(ctx context.Context, sess *ChatSession, onFragment llm.FragmentFunc) (*llm.Result, *PersistReport) {
	res := s.reader.Read(ctx, sess.stream, onFragment)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()

	report := s.finalizer.Persist(persistCtx, Exchange{
		ConversationID: sess.ChatID,
		Prompt:         sess.Prompt,
		IsFirstMessage: sess.IsFirstMessage,
		Result:         res,
	})

	eventType, reason := resultEventType(res)
	s.publish(persistCtx, sess.ChatID, sess.UserID, eventType, reason, map[string]any{
		"state":           string(res.State),
		"finish_reason":   res.FinishReason,
		"attempt":         sess.Attempt,
		"text_bytes":      len(res.Text),
		"duration_ms":     res.Duration.Milliseconds(),
		"persist_errors":  len(report.Errors),
		"from_document":   res.FromDocument,
		"not_in_document": res.NotInDocument,
	})

	return res, report
}

// ResolveChatID replaces the placeholder ids "new" and "general" with a
// generated one.
func ResolveChatID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "new" || raw == "general" {
		return "chat_" + ulid.Make().String()
	}
	return raw
}

// BuildChatRequest assembles the upstream request for one exchange.
func BuildChatRequest(corpus, history, prompt string) *llm.GenerateRequest {
	return &llm.GenerateRequest{
		Contents: []llm.Content{{
			Role:  "user",
			Parts: []llm.Part{{Text: ComposePrompt(history, prompt)}},
		}},
		SystemInstruction: &llm.Content{Parts: []llm.Part{{Text: SystemInstruction(corpus)}}},
		Tools:             []llm.Tool{llm.GoogleSearchTool()},
		GenerationConfig: &llm.GenerationConfig{
			MaxOutputTokens: 8192,
			Temperature:     0.7,
			TopP:            0.95,
			TopK:            40,
		},
	}
}

// ensureConversation creates a missing conversation, claims an ownerless
// one and rejects one owned by someone else.
func (s *ChatService) ensureConversation(ctx context.Context, chatID, userID string) error {
	conv, err := s.conversations.GetConversation(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		now := s.now().UTC()
		err = s.conversations.CreateConversation(ctx, &model.Conversation{
			ID:        chatID,
			UserID:    userID,
			Title:     model.DefaultConversationTitle,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err == nil {
			metrics.ConversationsTotal.Inc()
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		// Created concurrently; the winner's owner decides.
		conv, err = s.conversations.GetConversation(ctx, chatID)
	}
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	switch conv.UserID {
	case userID:
		return nil
	case "":
		if err := s.conversations.ClaimConversation(ctx, chatID, userID); err != nil {
			return fmt.Errorf("failed to claim conversation: %w", err)
		}
		return nil
	default:
		s.logger.Warn("conversation access denied",
			zap.String("conversation_id", chatID),
			zap.String("user_id", userID),
		)
		return ErrForbidden
	}
}

// loadContext fetches the corpus and prior turns concurrently. Either one
// degrades to empty on failure.
func (s *ChatService) loadContext(ctx context.Context, chatID string) (string, []model.Message) {
	var (
		corpus string
		turns  []model.Message
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if s.knowledge == nil {
			return nil
		}
		c, err := s.knowledge.Corpus(gctx)
		if err != nil {
			s.logger.Warn("knowledge corpus unavailable", zap.Error(err))
			return nil
		}
		corpus = c
		return nil
	})
	g.Go(func() error {
		t, err := s.messages.ListMessages(gctx, chatID)
		if err != nil {
			s.logger.Warn("conversation history unavailable",
				zap.String("conversation_id", chatID),
				zap.Error(err),
			)
			return nil
		}
		turns = t
		return nil
	})
	_ = g.Wait()

	return corpus, turns
}

func (s *ChatService) publish(ctx context.Context, chatID, userID string, typ model.EventType, reason string, meta map[string]any) {
	if s.events == nil {
		return
	}
	ev := &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: chatID,
		UserID:         userID,
		Type:           typ,
		Reason:         reason,
		Metadata:       meta,
		CreatedAt:      s.now().UTC(),
	}
	if _, err := s.events.PublishEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("failed to publish conversation event",
			zap.String("conversation_id", chatID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
}

func dispatchEventType(err error) model.EventType {
	var exhausted *llm.PoolExhaustedError
	var unavailable *llm.ServiceUnavailableError
	switch {
	case errors.As(err, &exhausted):
		return model.EventTypeRateLimit
	case errors.As(err, &unavailable):
		return model.EventTypeUnavailable
	case errors.Is(err, context.Canceled):
		return model.EventTypeCancel
	default:
		return model.EventTypeError
	}
}

func resultEventType(res *llm.Result) (model.EventType, string) {
	switch {
	case res.State == llm.StateComplete:
		return model.EventTypeComplete, res.FinishReason
	case res.Cancelled:
		return model.EventTypeCancel, "client cancelled"
	case res.TimedOut:
		return model.EventTypeTimeout, "stream watchdog expired"
	case res.Err != nil:
		return model.EventTypeError, res.Err.Error()
	default:
		return model.EventTypeTruncated, "stream ended without finish reason"
	}
}
