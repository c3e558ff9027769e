package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/keypool"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
	"github.com/ai-ustad/ustad-chat/pkg/metrics"
)

const (
	DefaultAttemptTimeout = 120 * time.Second
	DefaultRetryAfter     = 60 * time.Second
	maxErrorBodyBytes     = 64 << 10
	overloadedMessage     = "The AI service is temporarily overloaded. Please try again in a moment."
)

// Upstream performs raw generation calls with an explicit API key.
type Upstream interface {
	StreamGenerate(ctx context.Context, apiKey string, req *GenerateRequest) (*http.Response, error)
	Generate(ctx context.Context, apiKey string, req *GenerateRequest) (*http.Response, error)
	Model() string
}

// Candidates supplies ordered keys and receives attempt outcomes.
type Candidates interface {
	ListCandidates(ctx context.Context) []string
	ReportOutcome(ctx context.Context, secret string, outcome keypool.Outcome)
}

// Stream is an open upstream event stream won by one candidate.
type Stream struct {
	Body    io.ReadCloser
	Attempt int
	Model   string
	cancel  context.CancelFunc
}

// Cancel aborts the underlying transport.
func (s *Stream) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Close releases the stream.
func (s *Stream) Close() error {
	s.Cancel()
	return s.Body.Close()
}

// Dispatcher issues a request against the candidate list, one key at a time.
type Dispatcher struct {
	upstream          Upstream
	keys              Candidates
	attemptTimeout    time.Duration
	defaultRetryAfter time.Duration
	logger            *logger.Logger
	tracer            trace.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAttemptTimeout bounds each attempt up to response headers.
func WithAttemptTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.attemptTimeout = d
		}
	}
}

// WithDefaultRetryAfter sets the advice used when the provider gives none.
func WithDefaultRetryAfter(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.defaultRetryAfter = d
		}
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(upstream Upstream, keys Candidates, log *logger.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		upstream:          upstream,
		keys:              keys,
		attemptTimeout:    DefaultAttemptTimeout,
		defaultRetryAfter: DefaultRetryAfter,
		logger:            log,
		tracer:            otel.Tracer("llm.dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Model returns the upstream model name.
func (d *Dispatcher) Model() string {
	return d.upstream.Model()
}

// Dispatch opens a streaming generation. On success the caller owns the
// returned Stream and must Close it.
func (d *Dispatcher) Dispatch(ctx context.Context, req *GenerateRequest) (*Stream, error) {
	resp, cancel, attempt, err := d.run(ctx, "llm.Dispatch", func(ctx context.Context, key string) (*http.Response, error) {
		return d.upstream.StreamGenerate(ctx, key, req)
	})
	if err != nil {
		return nil, err
	}
	return &Stream{Body: resp.Body, Attempt: attempt, Model: d.upstream.Model(), cancel: cancel}, nil
}

// Generate performs a unary generation and decodes the response.
func (d *Dispatcher) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	resp, cancel, _, err := d.run(ctx, "llm.Generate", func(ctx context.Context, key string) (*http.Response, error) {
		return d.upstream.Generate(ctx, key, req)
	})
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()

	var out GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

type callFunc func(ctx context.Context, key string) (*http.Response, error)

// run makes a single ordered pass over the candidates. On success the
// returned cancel func owns the attempt context that the body is read under.
func (d *Dispatcher) run(ctx context.Context, spanName string, call callFunc) (*http.Response, context.CancelFunc, int, error) {
	ctx, span := d.tracer.Start(ctx, spanName)
	defer span.End()

	keys := d.keys.ListCandidates(ctx)
	span.SetAttributes(attribute.Int("llm.candidates", len(keys)))
	if len(keys) == 0 {
		metrics.LLMDispatchTotal.WithLabelValues("not_configured").Inc()
		span.SetStatus(codes.Error, "no candidates")
		return nil, nil, 0, ErrNotConfigured
	}

	retryAfter := formatRetryAfter(d.defaultRetryAfter)
	var quota string

	for i, key := range keys {
		attempt := i + 1
		if err := ctx.Err(); err != nil {
			metrics.LLMDispatchTotal.WithLabelValues("cancelled").Inc()
			return nil, nil, 0, err
		}

		attemptCtx, cancel := context.WithCancel(ctx)
		timer := time.AfterFunc(d.attemptTimeout, cancel)
		resp, err := call(attemptCtx, key)
		timedOut := !timer.Stop()

		if err != nil {
			cancel()
			if ctx.Err() != nil {
				metrics.LLMDispatchTotal.WithLabelValues("cancelled").Inc()
				return nil, nil, 0, ctx.Err()
			}
			reason := "network"
			if timedOut || errors.Is(err, context.DeadlineExceeded) {
				reason = "timeout"
			}
			d.logger.Warn("upstream attempt failed",
				zap.Int("attempt", attempt),
				zap.String("key", keypool.Mask(key)),
				zap.String("reason", reason),
				zap.Error(err),
			)
			d.report(ctx, key, keypool.OutcomeTransientError, reason)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			d.report(ctx, key, keypool.OutcomeSuccess, "success")
			metrics.LLMDispatchTotal.WithLabelValues("success").Inc()
			span.SetAttributes(attribute.Int("llm.attempt", attempt))
			return resp, cancel, attempt, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			rej := parseRejection(readSnippet(resp.Body, maxErrorBodyBytes))
			resp.Body.Close()
			cancel()
			if rej.RetryDelay != "" {
				retryAfter = rej.RetryDelay
			}
			if rej.QuotaValue != "" {
				quota = rej.QuotaValue
			}
			d.logger.Warn("upstream rate limited, trying next key",
				zap.Int("attempt", attempt),
				zap.Int("remaining", len(keys)-attempt),
				zap.String("key", keypool.Mask(key)),
			)
			d.report(ctx, key, keypool.OutcomeQuotaExhausted, "rate_limited")

		case resp.StatusCode == http.StatusServiceUnavailable:
			rej := parseRejection(readSnippet(resp.Body, maxErrorBodyBytes))
			resp.Body.Close()
			cancel()
			msg := rej.Message
			if msg == "" {
				msg = overloadedMessage
			}
			d.logger.Warn("upstream overloaded, aborting dispatch",
				zap.Int("attempt", attempt),
				zap.String("key", keypool.Mask(key)),
			)
			metrics.LLMAttemptsTotal.WithLabelValues("unavailable").Inc()
			metrics.LLMDispatchTotal.WithLabelValues("unavailable").Inc()
			span.SetStatus(codes.Error, "service unavailable")
			return nil, nil, 0, &ServiceUnavailableError{Message: msg}

		default:
			snippet := readSnippet(resp.Body, 2048)
			resp.Body.Close()
			cancel()
			d.logger.Warn("upstream returned error status",
				zap.Int("attempt", attempt),
				zap.Int("status", resp.StatusCode),
				zap.String("key", keypool.Mask(key)),
				zap.ByteString("body", snippet),
			)
			d.report(ctx, key, keypool.OutcomeTransientError, "http_error")
		}
	}

	metrics.LLMDispatchTotal.WithLabelValues("exhausted").Inc()
	span.SetStatus(codes.Error, "pool exhausted")
	d.logger.Error("all candidates failed",
		zap.Int("attempts", len(keys)),
		zap.String("retry_after", retryAfter),
	)
	return nil, nil, 0, &PoolExhaustedError{Attempts: len(keys), RetryAfter: retryAfter, QuotaValue: quota}
}

func (d *Dispatcher) report(ctx context.Context, key string, outcome keypool.Outcome, label string) {
	metrics.LLMAttemptsTotal.WithLabelValues(label).Inc()
	d.keys.ReportOutcome(ctx, key, outcome)
}
