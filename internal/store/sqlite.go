// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists chat summaries and messages per tenant with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection to :memory: would see its own empty database
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			tenant_id       TEXT NOT NULL,
			chat_id         TEXT NOT NULL,
			display_name    TEXT NOT NULL DEFAULT '',
			last_message    TEXT,
			last_message_at TEXT,
			unread_count    INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			PRIMARY KEY (tenant_id, chat_id)
		);

		CREATE INDEX IF NOT EXISTS idx_chats_tenant_recent
			ON chats(tenant_id, last_message_at);

		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			chat_id     TEXT NOT NULL,
			external_id TEXT,
			from_me     INTEGER NOT NULL DEFAULT 0,
			text        TEXT NOT NULL,
			timestamp   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat_ts
			ON messages(tenant_id, chat_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// AppendMessage inserts a message. A missing ID or timestamp is filled in.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO messages (id, tenant_id, chat_id, external_id, from_me, text, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.TenantID,
		msg.ChatID,
		nullString(msg.ExternalID),
		msg.FromMe,
		msg.Text,
		msg.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("appended message", "tenant_id", msg.TenantID, "chat_id", msg.ChatID, "from_me", msg.FromMe)
	return nil
}

// UpsertChatSummary applies delta to the (tenant, chat) row, creating it first if needed.
func (s *SQLiteStore) UpsertChatSummary(ctx context.Context, tenantID, chatID string, delta ChatDelta) error {
	now := time.Now().UTC().Format(time.RFC3339)

	insertName := delta.DisplayName
	if insertName == "" {
		insertName = delta.DefaultName
	}

	var lastMessage, lastMessageAt sql.NullString
	if delta.LastMessage != nil {
		lastMessage = sql.NullString{String: *delta.LastMessage, Valid: true}
	}
	if delta.LastMessageAt != nil {
		lastMessageAt = sql.NullString{String: delta.LastMessageAt.UTC().Format(time.RFC3339), Valid: true}
	}

	query := `
		INSERT INTO chats (tenant_id, chat_id, display_name, last_message, last_message_at, unread_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, chat_id) DO UPDATE SET
			display_name = CASE
				WHEN ? <> '' THEN excluded.display_name
				WHEN chats.display_name = '' THEN excluded.display_name
				ELSE chats.display_name
			END,
			last_message = COALESCE(excluded.last_message, chats.last_message),
			last_message_at = COALESCE(excluded.last_message_at, chats.last_message_at),
			unread_count = chats.unread_count + excluded.unread_count,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		tenantID,
		chatID,
		insertName,
		lastMessage,
		lastMessageAt,
		delta.UnreadIncrement,
		now,
		now,
		delta.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("upserting chat summary: %w", err)
	}

	s.logger.Debug("upserted chat summary", "tenant_id", tenantID, "chat_id", chatID, "unread_increment", delta.UnreadIncrement)
	return nil
}

// DeleteChat removes all messages of the chat and then the chat row.
func (s *SQLiteStore) DeleteChat(ctx context.Context, tenantID, chatID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE tenant_id = ? AND chat_id = ?`, tenantID, chatID)
	if err != nil {
		return 0, fmt.Errorf("deleting messages: %w", err)
	}
	deletedMessages, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM chats WHERE tenant_id = ? AND chat_id = ?`, tenantID, chatID)
	if err != nil {
		return 0, fmt.Errorf("deleting chat: %w", err)
	}
	deletedChats, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if deletedChats == 0 && deletedMessages == 0 {
		return 0, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing chat delete: %w", err)
	}

	s.logger.Info("deleted chat", "tenant_id", tenantID, "chat_id", chatID, "deleted_messages", deletedMessages)
	return int(deletedMessages), nil
}

// GetChat retrieves one chat summary.
// Returns ErrNotFound if the chat doesn't exist.
func (s *SQLiteStore) GetChat(ctx context.Context, tenantID, chatID string) (*ChatSummary, error) {
	query := `
		SELECT tenant_id, chat_id, display_name, last_message, last_message_at, unread_count, created_at, updated_at
		FROM chats
		WHERE tenant_id = ? AND chat_id = ?
	`

	chat, err := scanChat(s.db.QueryRowContext(ctx, query, tenantID, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat: %w", err)
	}
	return chat, nil
}

// ListChats retrieves a tenant's chats ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListChats(ctx context.Context, tenantID string, limit int) ([]*ChatSummary, error) {
	query := `
		SELECT tenant_id, chat_id, display_name, last_message, last_message_at, unread_count, created_at, updated_at
		FROM chats
		WHERE tenant_id = ?
		ORDER BY COALESCE(last_message_at, created_at) DESC, chat_id ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer rows.Close()

	var chats []*ChatSummary
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chat: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chats: %w", err)
	}
	return chats, nil
}

// GetChatMessages returns the newest messages of a chat in chronological order.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) GetChatMessages(ctx context.Context, tenantID, chatID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, tenant_id, chat_id, external_id, from_me, text, timestamp
		FROM messages
		WHERE tenant_id = ? AND chat_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, chatID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var externalID sql.NullString
		var ts string
		if err := rows.Scan(&msg.ID, &msg.TenantID, &msg.ChatID, &externalID, &msg.FromMe, &msg.Text, &ts); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.ExternalID = externalID.String
		msg.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*ChatSummary, error) {
	var chat ChatSummary
	var lastMessage, lastMessageAt sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&chat.TenantID,
		&chat.ChatID,
		&chat.DisplayName,
		&lastMessage,
		&lastMessageAt,
		&chat.UnreadCount,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	chat.LastMessage = lastMessage.String
	if lastMessageAt.Valid {
		t, err := time.Parse(time.RFC3339, lastMessageAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_message_at: %w", err)
		}
		chat.LastMessageAt = &t
	}

	var err error
	chat.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	chat.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &chat, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
