package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
	"github.com/ai-ustad/ustad-chat/pkg/metrics"
)

const (
	DefaultStreamWatchdog = 110 * time.Second
	maxEventBytes         = 1 << 20
)

// Result is the outcome of reading one stream to a terminal state.
type Result struct {
	Text          string
	Sources       []model.Source
	FromDocument  bool
	NotInDocument bool
	State         State
	FinishReason  string
	// Cancelled is set when the caller's context ended or the fragment
	// callback failed. It is never a credential error.
	Cancelled bool
	TimedOut  bool
	Err       error
	Duration  time.Duration
}

// FragmentFunc receives each accepted text fragment in arrival order. A
// non-nil error stops forwarding and cancels the stream.
type FragmentFunc func(text string) error

// StreamReader parses upstream SSE events and drives a Reconciler.
type StreamReader struct {
	watchdog time.Duration
	logger   *logger.Logger
}

// NewStreamReader creates a reader. A non-positive watchdog disables it.
func NewStreamReader(watchdog time.Duration, log *logger.Logger) *StreamReader {
	return &StreamReader{watchdog: watchdog, logger: log}
}

// Read consumes s until a terminal state, the watchdog fires, ctx ends or
// onFragment fails. The stream is always closed on return.
func (sr *StreamReader) Read(ctx context.Context, s *Stream, onFragment FragmentFunc) *Result {
	start := time.Now()
	rec := NewReconciler()

	var timedOut, callerStopped atomic.Bool
	if sr.watchdog > 0 {
		timer := time.AfterFunc(sr.watchdog, func() {
			timedOut.Store(true)
			s.Cancel()
		})
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, func() {
		callerStopped.Store(true)
		s.Cancel()
	})
	defer stop()
	defer s.Close()

	var readErr error
	scanner := bufio.NewScanner(s.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	for scanner.Scan() {
		payload, ok := eventData(scanner.Text())
		if !ok {
			continue
		}

		var ev GenerateResponse
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			metrics.MalformedEventsTotal.Inc()
			sr.logger.Warn("skipping malformed stream event",
				zap.Int("bytes", len(payload)),
				zap.Error(err),
			)
			continue
		}

		if fragment := rec.Apply(&ev); fragment != "" && onFragment != nil {
			if err := onFragment(fragment); err != nil {
				callerStopped.Store(true)
				readErr = err
				s.Cancel()
				break
			}
		}
		if rec.State().Terminal() {
			break
		}
	}
	if readErr == nil && !rec.State().Terminal() {
		readErr = scanner.Err()
	}

	state := rec.Finish()
	res := &Result{
		Text:          rec.Text(),
		Sources:       rec.Sources(),
		FromDocument:  rec.FromDocument(),
		NotInDocument: rec.NotInDocument(),
		State:         state,
		FinishReason:  rec.FinishReason(),
		Cancelled:     state != StateComplete && callerStopped.Load(),
		TimedOut:      state != StateComplete && timedOut.Load(),
		Duration:      time.Since(start),
	}
	if state != StateComplete && readErr != nil && !errors.Is(readErr, context.Canceled) {
		res.Err = readErr
	}

	metrics.RecordLLMStream(s.Model, string(state), res.Duration.Seconds(), len(res.Text))
	if state != StateComplete {
		sr.logger.Warn("stream ended without finish reason",
			zap.String("state", string(state)),
			zap.Bool("cancelled", res.Cancelled),
			zap.Bool("timed_out", res.TimedOut),
			zap.Int("text_bytes", len(res.Text)),
			zap.Error(res.Err),
		)
	}
	return res
}

// eventData extracts the payload of an SSE data line.
func eventData(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(line[len("data:"):])
	if payload == "" || payload == "[DONE]" {
		return "", false
	}
	return payload, true
}
