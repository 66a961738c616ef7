// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	chats     map[string]*ChatSummary // keyed by "tenantID\x00chatID"
	messages  []*Message
	upserts   int
	appendErr error
	upsertErr error
	pingErr   error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		chats: make(map[string]*ChatSummary),
	}
}

func chatKey(tenantID, chatID string) string {
	return tenantID + "\x00" + chatID
}

// SetAppendError makes AppendMessage fail with err (nil restores success).
func (m *MockStore) SetAppendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

// SetUpsertError makes UpsertChatSummary fail with err (nil restores success).
func (m *MockStore) SetUpsertError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertErr = err
}

// SetPingError makes Ping fail with err.
func (m *MockStore) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// AppendMessage stores a copy of msg.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendErr != nil {
		return m.appendErr
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	c := *msg
	m.messages = append(m.messages, &c)
	return nil
}

// UpsertChatSummary applies delta with the same merge rules as SQLiteStore.
func (m *MockStore) UpsertChatSummary(ctx context.Context, tenantID, chatID string, delta ChatDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts++

	now := time.Now().UTC()
	key := chatKey(tenantID, chatID)
	chat, ok := m.chats[key]
	if !ok {
		chat = &ChatSummary{TenantID: tenantID, ChatID: chatID, CreatedAt: now}
		m.chats[key] = chat
	}

	switch {
	case delta.DisplayName != "":
		chat.DisplayName = delta.DisplayName
	case chat.DisplayName == "":
		chat.DisplayName = delta.DefaultName
	}
	if delta.LastMessage != nil {
		chat.LastMessage = *delta.LastMessage
	}
	if delta.LastMessageAt != nil {
		t := *delta.LastMessageAt
		chat.LastMessageAt = &t
	}
	chat.UnreadCount += delta.UnreadIncrement
	chat.UpdatedAt = now
	return nil
}

// DeleteChat removes the chat's messages, then the chat.
func (m *MockStore) DeleteChat(ctx context.Context, tenantID, chatID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := len(m.messages)
	m.messages = slices.DeleteFunc(m.messages, func(msg *Message) bool {
		return msg.TenantID == tenantID && msg.ChatID == chatID
	})
	deleted := before - len(m.messages)

	key := chatKey(tenantID, chatID)
	_, hadChat := m.chats[key]
	delete(m.chats, key)

	if !hadChat && deleted == 0 {
		return 0, ErrNotFound
	}
	return deleted, nil
}

// GetChat returns a copy of one chat summary.
func (m *MockStore) GetChat(ctx context.Context, tenantID, chatID string) (*ChatSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chat, ok := m.chats[chatKey(tenantID, chatID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *chat
	return &c, nil
}

// ListChats returns the tenant's chats, most recent first.
func (m *MockStore) ListChats(ctx context.Context, tenantID string, limit int) ([]*ChatSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ChatSummary
	for _, chat := range m.chats {
		if chat.TenantID == tenantID {
			c := *chat
			out = append(out, &c)
		}
	}

	recent := func(c *ChatSummary) time.Time {
		if c.LastMessageAt != nil {
			return *c.LastMessageAt
		}
		return c.CreatedAt
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := recent(out[i]), recent(out[j])
		if ti.Equal(tj) {
			return out[i].ChatID < out[j].ChatID
		}
		return ti.After(tj)
	})

	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetChatMessages returns the newest messages of the chat in chronological order.
func (m *MockStore) GetChatMessages(ctx context.Context, tenantID, chatID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages {
		if msg.TenantID == tenantID && msg.ChatID == chatID {
			c := *msg
			out = append(out, &c)
		}
	}

	if limit = clampLimit(limit); len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Ping returns the injected ping error, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Messages returns copies of every stored message across all tenants, in append order.
func (m *MockStore) Messages() []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Message, 0, len(m.messages))
	for _, msg := range m.messages {
		c := *msg
		out = append(out, &c)
	}
	return out
}

// UpsertCount returns how many upserts succeeded.
func (m *MockStore) UpsertCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.upserts
}

// ChatCount returns how many chat rows exist for the tenant.
func (m *MockStore) ChatCount(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, chat := range m.chats {
		if chat.TenantID == tenantID {
			n++
		}
	}
	return n
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
