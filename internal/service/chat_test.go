package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-ustad/ustad-chat/internal/keypool"
	"github.com/ai-ustad/ustad-chat/internal/llm"
	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/internal/storage"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

func sseEvent(text, finish string) string {
	ev := llm.GenerateResponse{Candidates: []llm.Candidate{{
		Content:      llm.Content{Parts: []llm.Part{{Text: text}}},
		FinishReason: finish,
	}}}
	b, _ := json.Marshal(ev)
	return "data: " + string(b) + "\n\n"
}

type chatFixture struct {
	svc      *ChatService
	convs    *memConversations
	msgs     *memMessages
	events   *memEvents
	calls    *atomic.Int32
	lastBody *atomic.Value
}

func newChatFixture(t *testing.T, handler http.HandlerFunc, convs *memConversations, knowledge KnowledgeSource) *chatFixture {
	t.Helper()
	var calls atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		b, _ := io.ReadAll(r.Body)
		lastBody.Store(string(b))
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	log := logger.NewNop()
	pool := keypool.New(nil, []string{"env-key"}, log)
	disp := llm.NewDispatcher(llm.NewGeminiClient(srv.URL, "gemini-test"), pool, log)

	if convs == nil {
		convs = newMemConversations()
	}
	msgs := &memMessages{}
	events := &memEvents{}
	svc := NewChatService(convs, msgs, knowledge, disp, llm.NewStreamReader(5*time.Second, log), events, ChatConfig{}, log)
	return &chatFixture{svc: svc, convs: convs, msgs: msgs, events: events, calls: &calls, lastBody: &lastBody}
}

func streamOf(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			_, _ = io.WriteString(w, e)
		}
	}
}

func collectInto(out *[]string) llm.FragmentFunc {
	return func(text string) error {
		*out = append(*out, text)
		return nil
	}
}

func TestChat_HappyPath(t *testing.T) {
	f := newChatFixture(t, streamOf(
		sseEvent("Zakat is ", ""),
		sseEvent("the obligatory ", ""),
		sseEvent("almsgiving.", "STOP"),
	), nil, staticKnowledge{})

	sess, err := f.svc.Start(context.Background(), "user-1", &model.ChatRequest{
		Prompt: "What is Zakat?", ChatID: "new", IsFirstMessage: true,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sess.ChatID, "chat_"))
	assert.Equal(t, 1, sess.Attempt)

	var forwarded []string
	res, report := f.svc.Stream(context.Background(), sess, collectInto(&forwarded))

	assert.Equal(t, llm.StateComplete, res.State)
	assert.Equal(t, "Zakat is the obligatory almsgiving.", res.Text)
	assert.Equal(t, res.Text, strings.Join(forwarded, ""))
	require.NoError(t, report.Err())

	msgs := f.msgs.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "What is Zakat?", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, res.Text, msgs[1].Content)
	assert.True(t, msgs[1].CreatedAt.After(msgs[0].CreatedAt))

	conv := f.convs.get(sess.ChatID)
	require.NotNil(t, conv)
	assert.Equal(t, "user-1", conv.UserID)
	assert.Equal(t, "What is Zakat?", conv.Title)

	assert.Equal(t, []model.EventType{model.EventTypeComplete}, f.events.types())

	body, _ := f.lastBody.Load().(string)
	assert.Contains(t, body, "User Question: What is Zakat?")
	assert.Contains(t, body, `"google_search":{}`)
	assert.Contains(t, body, `"maxOutputTokens":8192`)
}

func TestChat_UsesDocumentInstructionAndHistory(t *testing.T) {
	convs := newMemConversations(model.Conversation{ID: "chat_1", UserID: "user-1", Title: "Zakat"})
	f := newChatFixture(t, streamOf(sseEvent(llm.DocumentMarker+" 2.5%.", "STOP")), convs,
		staticKnowledge{corpus: "--- DOCUMENT: Fiqh ---\nZakat is 2.5%\n--- END DOCUMENT ---"})
	f.msgs.msgs = []model.Message{
		{ID: "m1", ConversationID: "chat_1", Role: model.RoleUser, Content: "What is Zakat?", CreatedAt: time.Now().Add(-time.Minute)},
		{ID: "m2", ConversationID: "chat_1", Role: model.RoleAssistant, Content: "Obligatory charity.", CreatedAt: time.Now().Add(-time.Minute + time.Second)},
	}

	sess, err := f.svc.Start(context.Background(), "user-1", &model.ChatRequest{Prompt: "How much?", ChatID: "chat_1"})
	require.NoError(t, err)
	res, _ := f.svc.Stream(context.Background(), sess, nil)

	assert.True(t, res.FromDocument)
	body, _ := f.lastBody.Load().(string)
	assert.Contains(t, body, "CONVERSATION HISTORY (2 messages)")
	assert.Contains(t, body, "**CURRENT USER MESSAGE:** How much?")
	assert.Contains(t, body, "[DOCUMENT]")

	conv := f.convs.get("chat_1")
	assert.Equal(t, "Zakat", conv.Title)
}

func TestChat_ForbiddenConversation(t *testing.T) {
	convs := newMemConversations(model.Conversation{ID: "chat_x", UserID: "owner"})
	f := newChatFixture(t, streamOf(sseEvent("hi", "STOP")), convs, nil)

	_, err := f.svc.Start(context.Background(), "intruder", &model.ChatRequest{Prompt: "hello", ChatID: "chat_x"})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, int32(0), f.calls.Load())
	assert.Empty(t, f.msgs.all())
}

func TestChat_OwnerlessConversationIsClaimed(t *testing.T) {
	convs := newMemConversations(model.Conversation{ID: "chat_y"})
	f := newChatFixture(t, streamOf(sseEvent("hi", "STOP")), convs, nil)

	sess, err := f.svc.Start(context.Background(), "user-2", &model.ChatRequest{Prompt: "hello", ChatID: "chat_y"})
	require.NoError(t, err)
	sess.Close()

	assert.Equal(t, "user-2", f.convs.get("chat_y").UserID)
}

// racingConversations reports a missing conversation, then loses the create
// to another request that stored winner first.
type racingConversations struct {
	*memConversations
	winner model.Conversation
}

func (r *racingConversations) CreateConversation(ctx context.Context, _ *model.Conversation) error {
	if err := r.memConversations.CreateConversation(ctx, &r.winner); err != nil {
		return err
	}
	return storage.ErrConflict
}

func TestChat_ConcurrentCreateChecksWinnerOwner(t *testing.T) {
	tests := []struct {
		name      string
		owner     string
		wantErr   error
		wantOwner string
	}{
		{name: "same user", owner: "user-1", wantOwner: "user-1"},
		{name: "ownerless is claimed", owner: "", wantOwner: "user-1"},
		{name: "other user", owner: "someone-else", wantErr: ErrForbidden, wantOwner: "someone-else"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newMemConversations()
			convs := &racingConversations{memConversations: mem, winner: model.Conversation{ID: "chat_r", UserID: tt.owner}}
			f := newChatFixture(t, streamOf(sseEvent("hi", "STOP")), mem, nil)
			f.svc.conversations = convs

			sess, err := f.svc.Start(context.Background(), "user-1", &model.ChatRequest{Prompt: "hello", ChatID: "chat_r"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, int32(0), f.calls.Load())
			} else {
				require.NoError(t, err)
				sess.Close()
			}
			assert.Equal(t, tt.wantOwner, mem.get("chat_r").UserID)
		})
	}
}

func TestChat_InvalidPrompt(t *testing.T) {
	f := newChatFixture(t, streamOf(), nil, nil)

	_, err := f.svc.Start(context.Background(), "user-1", &model.ChatRequest{Prompt: "   ", ChatID: "new"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestChat_PoolExhaustedPersistsNothing(t *testing.T) {
	f := newChatFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"code":429,"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"12s"}]}}`)
	}, nil, nil)

	_, err := f.svc.Start(context.Background(), "user-1", &model.ChatRequest{Prompt: "hello", ChatID: "chat_z"})

	var exhausted *llm.PoolExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "12s", exhausted.RetryAfter)
	assert.Empty(t, f.msgs.all())
	assert.Equal(t, []model.EventType{model.EventTypeRateLimit}, f.events.types())
}

func TestChat_CancellationPersistsPartialText(t *testing.T) {
	release := make(chan struct{})
	f := newChatFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		_, _ = io.WriteString(w, sseEvent("Zakat is ", ""))
		fl.Flush()
		_, _ = io.WriteString(w, sseEvent("one of", ""))
		fl.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}, nil, nil)
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	sess, err := f.svc.Start(ctx, "user-1", &model.ChatRequest{Prompt: "What is Zakat?", ChatID: "chat_c", IsFirstMessage: true})
	require.NoError(t, err)

	received := 0
	res, report := f.svc.Stream(ctx, sess, func(string) error {
		received++
		if received == 2 {
			cancel()
		}
		return nil
	})

	assert.Equal(t, llm.StateTruncated, res.State)
	assert.True(t, res.Cancelled)
	assert.Equal(t, "Zakat is one of", res.Text)
	require.NoError(t, report.Err())

	msgs := f.msgs.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Zakat is one of", msgs[1].Content)
	for _, ctxErr := range f.msgs.ctxErrs {
		assert.NoError(t, ctxErr)
	}
	assert.Equal(t, []model.EventType{model.EventTypeCancel}, f.events.types())
}

func TestChat_PersistenceFailureIsReported(t *testing.T) {
	f := newChatFixture(t, streamOf(sseEvent("answer", "STOP")), nil, nil)
	f.msgs.insertErr = map[model.Role]error{model.RoleUser: errors.New("connection reset")}

	sess, err := f.svc.Start(context.Background(), "user-1", &model.ChatRequest{Prompt: "q", ChatID: "chat_p"})
	require.NoError(t, err)
	res, report := f.svc.Stream(context.Background(), sess, nil)

	assert.Equal(t, llm.StateComplete, res.State)
	require.Error(t, report.Err())
	assert.Nil(t, report.UserMessage)
	require.NotNil(t, report.AssistantMessage)
	assert.Len(t, f.msgs.all(), 1)
}

func TestChat_EmptyStreamPersistsNothing(t *testing.T) {
	f := newChatFixture(t, streamOf(), nil, nil)

	sess, err := f.svc.Start(context.Background(), "user-1", &model.ChatRequest{Prompt: "q", ChatID: "chat_e"})
	require.NoError(t, err)
	res, report := f.svc.Stream(context.Background(), sess, nil)

	assert.Equal(t, llm.StateEmptyTruncated, res.State)
	assert.True(t, report.Skipped)
	assert.Empty(t, f.msgs.all())
	assert.Equal(t, []model.EventType{model.EventTypeTruncated}, f.events.types())
}

func TestChat_HistoryFailureDegrades(t *testing.T) {
	f := newChatFixture(t, streamOf(sseEvent("ok", "STOP")), nil, staticKnowledge{err: errors.New("redis down")})
	f.msgs.listErr = errors.New("db down")

	sess, err := f.svc.Start(context.Background(), "user-1", &model.ChatRequest{Prompt: "q", ChatID: "chat_h"})
	require.NoError(t, err)
	sess.Close()

	body, _ := f.lastBody.Load().(string)
	assert.Contains(t, body, "User Question: q")
}

func TestResolveChatID(t *testing.T) {
	assert.Equal(t, "chat_abc", ResolveChatID("chat_abc"))
	a, b := ResolveChatID("new"), ResolveChatID("general")
	assert.Len(t, a, len("chat_")+26)
	assert.NotEqual(t, a, b)
}
