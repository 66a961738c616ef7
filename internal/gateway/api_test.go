// ABOUTME: Tests for the chat, message and session HTTP API handlers
// ABOUTME: Uses httptest against the full router so auth and routing are exercised too

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/store"
)

// apiRequest runs one request through the gateway handler as tenantID.
func (tg *testGateway) apiRequest(t *testing.T, method, path, tenantID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if tenantID != "" {
		req.Header.Set("Authorization", "Bearer "+tg.token(t, tenantID))
	}
	rec := httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(rec, req)
	return rec
}

// seedChat stores a chat with n messages for tenantID.
func seedChat(t *testing.T, s *store.MockStore, tenantID, chatID string, n int) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range n {
		require.NoError(t, s.AppendMessage(ctx, &store.Message{
			TenantID:  tenantID,
			ChatID:    chatID,
			Text:      "msg",
			FromMe:    i%2 == 0,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	last := "msg"
	at := base.Add(time.Duration(n) * time.Minute)
	require.NoError(t, s.UpsertChatSummary(ctx, tenantID, chatID, store.ChatDelta{
		DisplayName:     "Alice",
		LastMessage:     &last,
		LastMessageAt:   &at,
		UnreadIncrement: n,
	}))
}

func TestAPI_RequiresAuth(t *testing.T) {
	tg := newTestGateway(t)

	for _, path := range []string{"/api/chats", "/api/session", "/api/chats/x/messages"} {
		rec := tg.apiRequest(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.JSONEq(t, `{"error":"missing authorization header"}`, rec.Body.String())
	}
}

func TestAPI_ListChats(t *testing.T) {
	tg := newTestGateway(t)
	seedChat(t, tg.store, "u1", "@alice:example.org", 3)
	seedChat(t, tg.store, "u2", "@mallory:example.org", 1)

	rec := tg.apiRequest(t, http.MethodGet, "/api/chats", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ListChatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Chats, 1)
	chat := resp.Chats[0]
	assert.Equal(t, "@alice:example.org", chat.ChatID)
	assert.Equal(t, "Alice", chat.DisplayName)
	assert.Equal(t, 3, chat.UnreadCount)
	require.NotNil(t, chat.LastMessageAt)
	assert.Equal(t, "2026-03-01T12:03:00Z", *chat.LastMessageAt)
}

func TestAPI_ListChats_BadLimit(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.apiRequest(t, http.MethodGet, "/api/chats?limit=zero", "u1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"limit must be a positive integer"}`, rec.Body.String())
}

func TestAPI_ChatMessages(t *testing.T) {
	tg := newTestGateway(t)
	seedChat(t, tg.store, "u1", "@alice:example.org", 4)

	rec := tg.apiRequest(t, http.MethodGet, "/api/chats/@alice:example.org/messages?limit=2", "u1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "@alice:example.org", resp.ChatID)
	assert.Len(t, resp.Messages, 2)
}

func TestAPI_ChatMessages_UnknownChat(t *testing.T) {
	tg := newTestGateway(t)
	seedChat(t, tg.store, "u2", "@alice:example.org", 1)

	// Another tenant's chat is invisible.
	rec := tg.apiRequest(t, http.MethodGet, "/api/chats/@alice:example.org/messages", "u1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"chat not found"}`, rec.Body.String())
}

func TestAPI_DeleteChat(t *testing.T) {
	tg := newTestGateway(t)
	seedChat(t, tg.store, "u1", "@alice:example.org", 3)
	seedChat(t, tg.store, "u1", "@bob:example.org", 1)

	rec := tg.apiRequest(t, http.MethodDelete, "/api/chats/@alice:example.org", "u1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DeleteChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.DeletedMessages)
	assert.Equal(t, "chat deleted", resp.Message)

	assert.Equal(t, 1, tg.store.ChatCount("u1"))
	_, err := tg.store.GetChat(context.Background(), "u1", "@alice:example.org")
	assert.ErrorIs(t, err, store.ErrNotFound)

	rec = tg.apiRequest(t, http.MethodDelete, "/api/chats/@alice:example.org", "u1")
	assert.Equal(t, http.StatusOK, rec.Code, "deleting twice is not an error")
	assert.JSONEq(t, `{"message":"chat deleted","deleted_messages":0}`, rec.Body.String())
}

func TestAPI_DeleteChat_OtherTenant(t *testing.T) {
	tg := newTestGateway(t)
	seedChat(t, tg.store, "u2", "@alice:example.org", 2)

	rec := tg.apiRequest(t, http.MethodDelete, "/api/chats/@alice:example.org", "u1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"chat deleted","deleted_messages":0}`, rec.Body.String())
	assert.Equal(t, 1, tg.store.ChatCount("u2"), "another tenant's chat is untouched")
}

// failingStore fails deletes so the 500 path can be checked.
type failingStore struct {
	*store.MockStore
}

func (failingStore) DeleteChat(context.Context, string, string) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestAPI_DeleteChat_StoreFailure(t *testing.T) {
	tg := newTestGateway(t)
	tg.gw.store = failingStore{tg.store}

	rec := tg.apiRequest(t, http.MethodDelete, "/api/chats/@alice:example.org", "u1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"failed to delete chat"}`, rec.Body.String())
}

func TestAPI_Session(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.apiRequest(t, http.MethodGet, "/api/session", "u1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"no active session"}`, rec.Body.String())

	client := newRecordingClient("c1")
	require.NoError(t, tg.gw.Sessions().Start(t.Context(), "u1", client))
	conn := tg.nextConn(t)
	conn.Emit(protocol.Opened{SelfID: "@me:example.org"})
	client.waitFor(t, "connected")

	rec = tg.apiRequest(t, http.MethodGet, "/api/session", "u1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "u1", body["tenant_id"])
	assert.Equal(t, "open", body["state"])
	assert.Equal(t, "@me:example.org", body["self_id"])
}
