// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers message append, chat summary merge rules, cascading delete and read models

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.UpsertChatSummary(ctx, "u1", "c1", ChatDelta{DefaultName: "c1"}))

	chat, err := store.GetChat(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", chat.DisplayName)
}

func TestAppendAndGetChatMessages(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, text := range []string{"first", "second", "third"} {
		msg := &Message{
			TenantID:  "u1",
			ChatID:    "alice@net",
			FromMe:    i == 1,
			Text:      text,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.AppendMessage(ctx, msg))
		assert.NotEmpty(t, msg.ID, "ID should be generated")
	}

	msgs, err := store.GetChatMessages(ctx, "u1", "alice@net", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "second", msgs[1].Text)
	assert.True(t, msgs[1].FromMe)
	assert.Equal(t, "third", msgs[2].Text)
	assert.True(t, msgs[2].Timestamp.Equal(base.Add(2*time.Second)))
}

func TestGetChatMessages_LimitKeepsNewest(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendMessage(ctx, &Message{
			TenantID:  "u1",
			ChatID:    "c",
			Text:      string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := store.GetChatMessages(ctx, "u1", "c", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "d", msgs[0].Text)
	assert.Equal(t, "e", msgs[1].Text)
}

func TestGetChatMessages_TenantIsolation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.AppendMessage(ctx, &Message{TenantID: "u1", ChatID: "c", Text: "mine"}))
	require.NoError(t, store.AppendMessage(ctx, &Message{TenantID: "u2", ChatID: "c", Text: "theirs"}))

	msgs, err := store.GetChatMessages(ctx, "u1", "c", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "mine", msgs[0].Text)
}

func TestUpsertChatSummary_IncrementsUnread(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Second)
	text := "hello"

	for i := 0; i < 3; i++ {
		require.NoError(t, store.UpsertChatSummary(ctx, "u1", "alice@net", ChatDelta{
			DisplayName:     "Alice",
			LastMessage:     &text,
			LastMessageAt:   &ts,
			UnreadIncrement: 1,
		}))
	}

	chat, err := store.GetChat(ctx, "u1", "alice@net")
	require.NoError(t, err)
	assert.Equal(t, 3, chat.UnreadCount)
	assert.Equal(t, "Alice", chat.DisplayName)
	assert.Equal(t, "hello", chat.LastMessage)
	require.NotNil(t, chat.LastMessageAt)
	assert.True(t, chat.LastMessageAt.Equal(ts))
}

func TestUpsertChatSummary_OutboundLeavesUnread(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	in := "ping"
	out := "pong"

	require.NoError(t, store.UpsertChatSummary(ctx, "u1", "c", ChatDelta{LastMessage: &in, UnreadIncrement: 1}))
	require.NoError(t, store.UpsertChatSummary(ctx, "u1", "c", ChatDelta{LastMessage: &out}))

	chat, err := store.GetChat(ctx, "u1", "c")
	require.NoError(t, err)
	assert.Equal(t, 1, chat.UnreadCount)
	assert.Equal(t, "pong", chat.LastMessage)
}

func TestUpsertChatSummary_NameMerge(t *testing.T) {
	tests := []struct {
		name   string
		deltas []ChatDelta
		want   string
	}{
		{
			name:   "default name on insert",
			deltas: []ChatDelta{{DefaultName: "15550001111"}},
			want:   "15550001111",
		},
		{
			name:   "default name does not overwrite existing",
			deltas: []ChatDelta{{DisplayName: "Bob"}, {DefaultName: "15550001111"}},
			want:   "Bob",
		},
		{
			name:   "explicit name overwrites default",
			deltas: []ChatDelta{{DefaultName: "15550001111"}, {DisplayName: "Bob"}},
			want:   "Bob",
		},
		{
			name:   "default fills empty name",
			deltas: []ChatDelta{{}, {DefaultName: "x"}},
			want:   "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			defer store.Close()

			ctx := context.Background()
			for _, d := range tt.deltas {
				require.NoError(t, store.UpsertChatSummary(ctx, "u1", "c", d))
			}

			chat, err := store.GetChat(ctx, "u1", "c")
			require.NoError(t, err)
			assert.Equal(t, tt.want, chat.DisplayName)
		})
	}
}

func TestUpsertChatSummary_Idempotent(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	delta := ChatDelta{DefaultName: "15550001111"}
	require.NoError(t, store.UpsertChatSummary(ctx, "u1", "15550001111@net", delta))
	require.NoError(t, store.UpsertChatSummary(ctx, "u1", "15550001111@net", delta))

	chats, err := store.ListChats(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, 0, chats[0].UnreadCount)
}

func TestDeleteChat(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendMessage(ctx, &Message{TenantID: "u1", ChatID: "c", Text: "m"}))
	}
	require.NoError(t, store.AppendMessage(ctx, &Message{TenantID: "u1", ChatID: "other", Text: "keep"}))
	require.NoError(t, store.UpsertChatSummary(ctx, "u1", "c", ChatDelta{DefaultName: "c"}))

	deleted, err := store.DeleteChat(ctx, "u1", "c")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	_, err = store.GetChat(ctx, "u1", "c")
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err := store.GetChatMessages(ctx, "u1", "c", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	others, err := store.GetChatMessages(ctx, "u1", "other", 0)
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestDeleteChat_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.DeleteChat(context.Background(), "u1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteChat_OtherTenantUntouched(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.UpsertChatSummary(ctx, "u2", "c", ChatDelta{DefaultName: "c"}))

	_, err := store.DeleteChat(ctx, "u1", "c")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetChat(ctx, "u2", "c")
	assert.NoError(t, err)
}

func TestListChats_OrderedByRecentActivity(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"old", "newest", "middle"} {
		ts := base.Add(time.Duration([]int{0, 10, 5}[i]) * time.Second)
		require.NoError(t, store.UpsertChatSummary(ctx, "u1", id, ChatDelta{LastMessageAt: &ts}))
	}

	chats, err := store.ListChats(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, chats, 3)
	assert.Equal(t, "newest", chats[0].ChatID)
	assert.Equal(t, "middle", chats[1].ChatID)
	assert.Equal(t, "old", chats[2].ChatID)
}

func TestGetChat_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetChat(context.Background(), "u1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

// newTestStore creates a new SQLite store in a temp directory for testing
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}
