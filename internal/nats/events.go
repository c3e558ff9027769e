package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

const (
	// StreamName is the name of the exchange audit stream.
	StreamName = "CHAT_EVENTS"

	// SubjectPrefix is the prefix for all chat event subjects.
	SubjectPrefix = "chat"

	publishTimeout = 5 * time.Second
	maxFetch       = 500
)

// EventStream publishes and reads exchange outcome events.
type EventStream struct {
	js     jetstream.JetStream
	logger *logger.Logger
}

// NewEventStream creates an event stream over js.
func NewEventStream(js jetstream.JetStream, log *logger.Logger) *EventStream {
	return &EventStream{js: js, logger: log}
}

// EnsureStream creates the events stream unless it already exists.
func (s *EventStream) EnsureStream(ctx context.Context) error {
	if _, err := s.js.Stream(ctx, StreamName); err == nil {
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err := s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		Description: "Chat exchange outcomes",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	s.logger.Info("created JetStream stream", zap.String("stream", StreamName))
	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(userID, conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.event.%s", SubjectPrefix, token(userID), token(conversationID), eventType)
}

// ConversationFilter returns the filter subject for every event of a conversation.
func ConversationFilter(userID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.event.>", SubjectPrefix, token(userID), token(conversationID))
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// PublishEvent publishes an event and returns its stream sequence. The event
// id doubles as the JetStream message id so retries are deduplicated.
func (s *EventStream) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	subject := EventSubject(event.UserID, event.ConversationID, event.Type)
	ack, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	return ack.Sequence, nil
}

// ListEvents returns the most recent limit events of a conversation, oldest
// first.
func (s *EventStream) ListEvents(ctx context.Context, userID, conversationID string, limit int) ([]model.ConversationEvent, error) {
	if limit <= 0 || limit > maxFetch {
		limit = maxFetch
	}

	consumer, err := s.js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject:     ConversationFilter(userID, conversationID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read consumer info: %w", err)
	}
	remaining := int(info.NumPending)
	skip := max(remaining-limit, 0)

	events := make([]model.ConversationEvent, 0, min(remaining, limit))
	for remaining > 0 {
		batch, err := consumer.FetchNoWait(min(remaining, maxFetch))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch events: %w", err)
		}

		n := 0
		for msg := range batch.Messages() {
			n++
			if skip > 0 {
				skip--
				continue
			}
			var ev model.ConversationEvent
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				s.logger.Warn("skipping malformed event", zap.String("subject", msg.Subject()), zap.Error(err))
				continue
			}
			if meta, err := msg.Metadata(); err == nil {
				ev.Sequence = meta.Sequence.Stream
			}
			events = append(events, ev)
		}

		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if n == 0 {
			break
		}
		remaining -= n
	}
	return events, nil
}
