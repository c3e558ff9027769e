package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ai-ustad/ustad-chat/internal/keypool"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

const quotaBody = `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED","details":[
{"@type":"type.googleapis.com/google.rpc.QuotaFailure","violations":[{"quotaMetric":"generate_requests","quotaValue":"50"}]},
{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"37s"}]}}`

type reported struct {
	key     string
	outcome keypool.Outcome
}

type fakeKeys struct {
	mu      sync.Mutex
	keys    []string
	reports []reported
}

func (f *fakeKeys) ListCandidates(_ context.Context) []string {
	return append([]string(nil), f.keys...)
}

func (f *fakeKeys) ReportOutcome(_ context.Context, secret string, outcome keypool.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, reported{key: secret, outcome: outcome})
}

func (f *fakeKeys) count(outcome keypool.Outcome) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.reports {
		if r.outcome == outcome {
			n++
		}
	}
	return n
}

// upstreamServer answers by API key: each key maps to a handler.
func upstreamServer(t *testing.T, byKey map[string]http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		h, ok := byKey[r.Header.Get(apiKeyHeader)]
		if !ok {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func status(code int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}
}

func sse(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, l := range lines {
			_, _ = io.WriteString(w, "data: "+l+"\n\n")
		}
	}
}

func newTestDispatcher(srv *httptest.Server, keys *fakeKeys, opts ...DispatcherOption) *Dispatcher {
	return NewDispatcher(NewGeminiClient(srv.URL, "gemini-test"), keys, logger.NewNop(), opts...)
}

func testRequest() *GenerateRequest {
	return &GenerateRequest{Contents: []Content{{Role: "user", Parts: []Part{{Text: "What is Zakat?"}}}}}
}

func TestDispatch_AllRateLimited(t *testing.T) {
	srv, calls := upstreamServer(t, map[string]http.HandlerFunc{
		"k1": status(http.StatusTooManyRequests, quotaBody),
		"k2": status(http.StatusTooManyRequests, quotaBody),
		"k3": status(http.StatusTooManyRequests, quotaBody),
	})
	keys := &fakeKeys{keys: []string{"k1", "k2", "k3"}}

	stream, err := newTestDispatcher(srv, keys).Dispatch(context.Background(), testRequest())
	require.Nil(t, stream)

	var exhausted *PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "37s", exhausted.RetryAfter)
	assert.Equal(t, "50", exhausted.QuotaValue)
	assert.Equal(t, 37, exhausted.RetryAfterSeconds())
	assert.Contains(t, err.Error(), "All 3 API keys are exhausted (50 requests/day per key). Please wait 37s")

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, keys.count(keypool.OutcomeQuotaExhausted))
	assert.Equal(t, []reported{
		{"k1", keypool.OutcomeQuotaExhausted},
		{"k2", keypool.OutcomeQuotaExhausted},
		{"k3", keypool.OutcomeQuotaExhausted},
	}, keys.reports)
}

func TestDispatch_RateLimitedWithoutDetailsUsesDefault(t *testing.T) {
	srv, _ := upstreamServer(t, map[string]http.HandlerFunc{
		"k1": status(http.StatusTooManyRequests, "slow down"),
	})
	keys := &fakeKeys{keys: []string{"k1"}}

	_, err := newTestDispatcher(srv, keys, WithDefaultRetryAfter(45*time.Second)).
		Dispatch(context.Background(), testRequest())

	var exhausted *PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "45s", exhausted.RetryAfter)
	assert.Empty(t, exhausted.QuotaValue)
}

func TestDispatch_ServiceUnavailableStopsImmediately(t *testing.T) {
	srv, calls := upstreamServer(t, map[string]http.HandlerFunc{
		"k1": status(http.StatusServiceUnavailable, `{"error":{"code":503,"message":"The model is overloaded."}}`),
		"k2": sse(`{"candidates":[{"content":{"parts":[{"text":"hi"}]},"finishReason":"STOP"}]}`),
	})
	keys := &fakeKeys{keys: []string{"k1", "k2"}}

	_, err := newTestDispatcher(srv, keys).Dispatch(context.Background(), testRequest())

	var unavailable *ServiceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "The model is overloaded.", unavailable.Message)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, keys.reports)
}

func TestDispatch_FallbackToThirdKey(t *testing.T) {
	srv, calls := upstreamServer(t, map[string]http.HandlerFunc{
		"k1": status(http.StatusTooManyRequests, quotaBody),
		"k2": status(http.StatusTooManyRequests, quotaBody),
		"k3": sse(`{"candidates":[{"content":{"parts":[{"text":"from third"}]},"finishReason":"STOP"}]}`),
	})
	keys := &fakeKeys{keys: []string{"k1", "k2", "k3"}}

	stream, err := newTestDispatcher(srv, keys).Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, 3, stream.Attempt)
	assert.Equal(t, "gemini-test", stream.Model)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, keys.count(keypool.OutcomeQuotaExhausted))
	assert.Equal(t, 1, keys.count(keypool.OutcomeSuccess))

	body, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "from third")
}

func TestDispatch_OtherStatusIsTransient(t *testing.T) {
	srv, _ := upstreamServer(t, map[string]http.HandlerFunc{
		"k1": status(http.StatusInternalServerError, "boom"),
		"k2": sse(`{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}`),
	})
	keys := &fakeKeys{keys: []string{"k1", "k2"}}

	stream, err := newTestDispatcher(srv, keys).Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, []reported{
		{"k1", keypool.OutcomeTransientError},
		{"k2", keypool.OutcomeSuccess},
	}, keys.reports)
}

func TestDispatch_AttemptTimeoutIsTransient(t *testing.T) {
	srv, _ := upstreamServer(t, map[string]http.HandlerFunc{
		"slow": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
		"fast": sse(`{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}`),
	})
	keys := &fakeKeys{keys: []string{"slow", "fast"}}

	stream, err := newTestDispatcher(srv, keys, WithAttemptTimeout(50*time.Millisecond)).
		Dispatch(context.Background(), testRequest())
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, 2, stream.Attempt)
	assert.Equal(t, []reported{
		{"slow", keypool.OutcomeTransientError},
		{"fast", keypool.OutcomeSuccess},
	}, keys.reports)
}

func TestDispatch_NotConfigured(t *testing.T) {
	srv, calls := upstreamServer(t, nil)
	keys := &fakeKeys{}

	_, err := newTestDispatcher(srv, keys).Dispatch(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDispatch_CallerCancelledIsNotReported(t *testing.T) {
	srv, calls := upstreamServer(t, map[string]http.HandlerFunc{
		"k1": status(http.StatusTooManyRequests, quotaBody),
	})
	keys := &fakeKeys{keys: []string{"k1"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestDispatcher(srv, keys).Dispatch(ctx, testRequest())
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, int32(0), calls.Load())
	assert.Empty(t, keys.reports)
}

func TestGenerate_DecodesUnaryResponse(t *testing.T) {
	srv, _ := upstreamServer(t, map[string]http.HandlerFunc{
		"k1": status(http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"{\"questions\":[]}"}]},"finishReason":"STOP"}]}`),
	})
	keys := &fakeKeys{keys: []string{"k1"}}

	resp, err := newTestDispatcher(srv, keys).Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"questions":[]}`, resp.Text())
}

func TestParseRejection_NumericQuota(t *testing.T) {
	rej := parseRejection([]byte(`{"error":{"message":"m","details":[
		{"@type":"type.googleapis.com/google.rpc.QuotaFailure","violations":[{"quotaValue":250}]}]}}`))
	assert.Equal(t, "250", rej.QuotaValue)
	assert.Empty(t, rej.RetryDelay)
	assert.Equal(t, "m", rej.Message)

	assert.Equal(t, rejection{}, parseRejection([]byte("not json")))
}

func TestDispatch_SecretNeverLogged(t *testing.T) {
	const secret = "AIzaSECRETSECRETSECRET1234"
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	d := NewDispatcher(NewGeminiClient(srv.URL, "m"), &fakeKeys{keys: []string{secret}}, &logger.Logger{Logger: zap.New(core)})

	_, err := d.Dispatch(context.Background(), testRequest())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), secret)

	require.NotZero(t, logs.Len())
	for _, entry := range logs.All() {
		assert.NotContains(t, entry.Message, secret)
		for k, v := range entry.ContextMap() {
			assert.NotContains(t, fmt.Sprint(v), secret, "field %s", k)
		}
	}
}

func TestGeminiClient_SendsKeyInHeader(t *testing.T) {
	var gotURL, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		gotKey = r.Header.Get("x-goog-api-key")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	resp, err := NewGeminiClient(srv.URL, "gemini-test").StreamGenerate(context.Background(), "AIzaHeaderKey", testRequest())
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "AIzaHeaderKey", gotKey)
	assert.Equal(t, "/models/gemini-test:streamGenerateContent?alt=sse", gotURL)
}
