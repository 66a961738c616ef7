// Package session is the per-tenant session lifecycle core of the gateway.
//
// # Components
//
//   - Registry: tenant -> open protocol connection, tenant -> attached client
//   - Supervisor: one goroutine per tenant running the connection state machine
//   - Manager: creates supervisors on start and routes client commands to them
//
// # State Machine
//
//	Connecting -> (AwaitingPairing) -> Open -> Closed
//
// A supervisor opens a connection with the tenant's stored credentials. Pairing
// codes are forwarded to the bound client as they arrive. On Opened the handle
// is registered and the client gets "connected". On Closed the handle leaves
// the registry first, then the reason decides:
//
//   - logged out: delete credentials, emit "disconnected", stop
//   - replaced: emit "replaced", keep credentials, stop
//   - anything else: reconnect after an exponential backoff delay
//
// Reconnects are capped by ReconnectPolicy.MaxAttempts; the count resets when a
// connection opens.
//
// # Ordering
//
// Connection events and client commands share one inbox per tenant and are
// handled one at a time. Each connection's pump tags events with a generation
// number, so events from a connection that was closed locally (re-pairing,
// logout) are discarded.
//
// # Client Binding
//
// Each tenant has at most one attached ClientChannel; a new Start supersedes
// the old one. What happens to a session when its client detaches depends on
// DetachPolicy: DetachKeep leaves it running, DetachTeardown stops it.
package session
