// ABOUTME: HTTP API handlers exposing the tenant's chats, messages and session state
// ABOUTME: All routes sit behind the JWT middleware and are scoped to the token's tenant

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/store"
)

// ChatResponse is one entry of GET /api/chats.
type ChatResponse struct {
	ChatID        string  `json:"chat_id"`
	DisplayName   string  `json:"display_name"`
	LastMessage   string  `json:"last_message,omitempty"`
	LastMessageAt *string `json:"last_message_at,omitempty"`
	UnreadCount   int     `json:"unread_count"`
	UpdatedAt     string  `json:"updated_at"`
}

// ListChatsResponse is the JSON response for GET /api/chats.
type ListChatsResponse struct {
	Chats []ChatResponse `json:"chats"`
}

// MessageResponse is one persisted message.
type MessageResponse struct {
	ID        string `json:"id"`
	FromMe    bool   `json:"from_me"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// ChatMessagesResponse is the JSON response for GET /api/chats/{chatID}/messages.
type ChatMessagesResponse struct {
	ChatID   string            `json:"chat_id"`
	Messages []MessageResponse `json:"messages"`
}

// DeleteChatResponse is the JSON response for DELETE /api/chats/{chatID}.
type DeleteChatResponse struct {
	Message         string `json:"message"`
	DeletedMessages int    `json:"deleted_messages"`
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// parseLimit reads ?limit=N. Zero means the store default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// handleListChats handles GET /api/chats.
func (g *Gateway) handleListChats(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustFromContext(r.Context()).TenantID

	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	chats, err := g.store.ListChats(r.Context(), tenantID, limit)
	if err != nil {
		g.logger.Error("failed to list chats", "tenant_id", tenantID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ListChatsResponse{
		Chats: lo.Map(chats, func(c *store.ChatSummary, _ int) ChatResponse {
			out := ChatResponse{
				ChatID:      c.ChatID,
				DisplayName: c.DisplayName,
				LastMessage: c.LastMessage,
				UnreadCount: c.UnreadCount,
				UpdatedAt:   formatTime(c.UpdatedAt),
			}
			if c.LastMessageAt != nil {
				out.LastMessageAt = lo.ToPtr(formatTime(*c.LastMessageAt))
			}
			return out
		}),
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleChatMessages handles GET /api/chats/{chatID}/messages?limit=N.
func (g *Gateway) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustFromContext(r.Context()).TenantID
	chatID := mux.Vars(r)["chatID"]
	if chatID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.store.GetChatMessages(r.Context(), tenantID, chatID, limit)
	if err != nil {
		g.logger.Error("failed to get chat messages", "tenant_id", tenantID, "chat_id", chatID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if len(msgs) == 0 {
		if _, err := g.store.GetChat(r.Context(), tenantID, chatID); errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "chat not found")
			return
		}
	}

	resp := ChatMessagesResponse{
		ChatID: chatID,
		Messages: lo.Map(msgs, func(m *store.Message, _ int) MessageResponse {
			return MessageResponse{
				ID:        m.ID,
				FromMe:    m.FromMe,
				Text:      m.Text,
				Timestamp: formatTime(m.Timestamp),
			}
		}),
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleDeleteChat handles DELETE /api/chats/{chatID}: messages first, then the chat.
func (g *Gateway) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustFromContext(r.Context()).TenantID
	chatID := mux.Vars(r)["chatID"]
	if tenantID == "" || chatID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "tenant and chat_id are required")
		return
	}

	logger := g.logger.With("tenant_id", tenantID, "chat_id", chatID)
	logger.Info("deleting chat")

	// Deleting a chat that is already gone succeeds with nothing removed.
	deleted, err := g.store.DeleteChat(r.Context(), tenantID, chatID)
	if errors.Is(err, store.ErrNotFound) {
		deleted, err = 0, nil
	}
	if err != nil {
		logger.Error("failed to delete chat", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to delete chat")
		return
	}

	logger.Info("chat deleted", "deleted_messages", deleted)
	g.sendJSON(w, http.StatusOK, DeleteChatResponse{
		Message:         "chat deleted",
		DeletedMessages: deleted,
	})
}

// handleGetSession handles GET /api/session.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.MustFromContext(r.Context()).TenantID

	rec, ok := g.sessions.Session(tenantID)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, session.ErrNoSession.Error())
		return
	}
	g.sendJSON(w, http.StatusOK, rec)
}
