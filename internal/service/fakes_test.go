package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/internal/storage"
)

// memConversations is an in-memory ConversationStore.
type memConversations struct {
	mu        sync.Mutex
	convs     map[string]*model.Conversation
	createErr error
	titleErr  error
	touches   int
}

func newMemConversations(convs ...model.Conversation) *memConversations {
	m := &memConversations{convs: map[string]*model.Conversation{}}
	for i := range convs {
		c := convs[i]
		m.convs[c.ID] = &c
	}
	return m
}

func (m *memConversations) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memConversations) CreateConversation(_ context.Context, c *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.convs[c.ID]; ok {
		return storage.ErrConflict
	}
	cp := *c
	m.convs[c.ID] = &cp
	return nil
}

func (m *memConversations) ClaimConversation(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if c.UserID == "" {
		c.UserID = userID
	}
	return nil
}

func (m *memConversations) ListConversations(_ context.Context, userID string) ([]model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Conversation
	for _, c := range m.convs {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *memConversations) RenameConversation(_ context.Context, id, title string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = at
	return nil
}

func (m *memConversations) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.convs, id)
	return nil
}

func (m *memConversations) UpdateConversationTitle(_ context.Context, id, title string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.titleErr != nil {
		return m.titleErr
	}
	c, ok := m.convs[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = at
	return nil
}

func (m *memConversations) TouchConversation(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	if c, ok := m.convs[id]; ok {
		c.UpdatedAt = at
	}
	return nil
}

func (m *memConversations) get(id string) *model.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[id]; ok {
		cp := *c
		return &cp
	}
	return nil
}

// memMessages is an in-memory MessageStore.
type memMessages struct {
	mu        sync.Mutex
	msgs      []model.Message
	insertErr map[model.Role]error
	listErr   error
	// ctxErrs records the context error seen by each insert.
	ctxErrs []error
}

func (m *memMessages) InsertMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if err := m.insertErr[msg.Role]; err != nil {
		return err
	}
	m.msgs = append(m.msgs, *msg)
	return nil
}

func (m *memMessages) ListMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.Message
	for _, msg := range m.msgs {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMessages) DeleteMessagesAfter(_ context.Context, conversationID, messageID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ref *model.Message
	for i := range m.msgs {
		if m.msgs[i].ID == messageID && m.msgs[i].ConversationID == conversationID {
			ref = &m.msgs[i]
		}
	}
	if ref == nil {
		return 0, storage.ErrNotFound
	}
	cutoff := ref.CreatedAt
	kept := m.msgs[:0]
	var n int64
	for _, msg := range m.msgs {
		if msg.ConversationID == conversationID && msg.CreatedAt.After(cutoff) {
			n++
			continue
		}
		kept = append(kept, msg)
	}
	m.msgs = kept
	return n, nil
}

func (m *memMessages) all() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Message(nil), m.msgs...)
}

type staticKnowledge struct {
	corpus string
	err    error
}

func (k staticKnowledge) Corpus(context.Context) (string, error) { return k.corpus, k.err }

// memEvents records published events.
type memEvents struct {
	mu     sync.Mutex
	events []model.ConversationEvent
}

func (m *memEvents) PublishEvent(_ context.Context, ev *model.ConversationEvent) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return uint64(len(m.events)), nil
}

func (m *memEvents) types() []model.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EventType
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}
