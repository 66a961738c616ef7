// Package store provides persistent chat history for the gateway using SQLite.
//
// # Architecture
//
// Store is the persistence sink the session core writes to. It is deliberately
// small:
//
//   - AppendMessage: durable append of one inbound or outbound message
//   - UpsertChatSummary: create-or-merge of the per-counterparty summary row
//   - DeleteChat: administrative removal of a chat, messages first
//
// plus the read models used by the REST API (GetChat, ListChats,
// GetChatMessages). SQLiteStore is the production implementation.
//
// # Data Models
//
//   - Message: immutable record keyed by tenant and chat
//   - ChatSummary: display name, last message preview, unread count
//   - ChatDelta: the change applied by an upsert; zero fields mean "keep"
//
// Every row carries the tenant id; no query crosses tenants.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as RFC3339 text in UTC.
//
// # Error Handling
//
//   - ErrNotFound: requested chat does not exist
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests. It follows the same merge rules as
// SQLiteStore and can be told to fail appends, upserts or pings.
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store
