// Package gateway orchestrates the relay-gateway server components.
//
// # Overview
//
// The gateway package owns the chat store, the credential store, the protocol
// driver and the session manager, and exposes them to clients over HTTP and
// a websocket. A gRPC server on a separate port carries the standard health
// service so orchestrators can check the process.
//
// # HTTP API
//
// Routes are registered in gateway.go:
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (pings the store)
//   - GET /metrics - Prometheus metrics, when enabled
//   - GET /pair/{driver}/callback - Pairing redirect target, for drivers that need one
//   - GET /api/chats - List the tenant's chats, most recent first
//   - GET /api/chats/{chatID}/messages - Chat history, newest first
//   - DELETE /api/chats/{chatID} - Delete a chat and its messages
//   - GET /api/session - Snapshot of the tenant's session
//   - GET /ws - Websocket upgrade
//
// Everything under /api and /ws requires a bearer token; the tenant is the
// token's subject.
//
// # Websocket Frames
//
// Frames are JSON objects in both directions:
//
//	{"event": "send_message", "data": {"contactId": "...", "content": "..."}}
//
// Commands: startSession, check_number, send_message, logout_session,
// request_new_qr. Events: qr, connected, replaced, disconnected,
// new_message, send_error, number_check_result, error.
//
// Commands from one websocket are dispatched in order by the Facade. Events
// are queued per client and dropped if the client stops reading.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
//	cancel() // Run shuts down gracefully and returns
//
// Shutdown stops the servers, then the sessions, then closes the stores. It
// never logs a tenant out.
package gateway
