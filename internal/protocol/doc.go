// Package protocol defines the narrow contract between the session core and a
// messaging network implementation.
//
// # Driver and Connection
//
// A Driver opens one Connection per tenant:
//
//	conn, err := driver.Open(ctx, tenantID, storedCreds)
//
// Open returns immediately. Everything after that (pairing codes, the session
// becoming usable, inbound messages, new credential material, the connection
// stopping) arrives as an Event on conn.Events(), in the order the network
// produced it.
//
// # Events
//
// Event is a closed set:
//
//   - PairingArtifact: a code the user must redeem; re-emitted on every refresh
//   - Opened: the connection is authenticated
//   - Closed: the connection stopped, with a CloseReason
//   - MessageReceived: one inbound or self-sent message
//   - CredentialsUpdated: material to persist for the next Open
//
// Close is a local teardown and emits nothing. Logout deauthenticates the
// device; drivers report the resulting stop as Closed{ReasonLoggedOut} when the
// network confirms it, but callers must not depend on that.
//
// # Implementations
//
//   - protocol/matrix: a Matrix client built on mautrix
//   - protocol/fake: a scriptable in-memory driver for tests
package protocol
