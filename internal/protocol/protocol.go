// ABOUTME: Capability contract for messaging-network connections, one per tenant
// ABOUTME: Drivers open Connections that emit lifecycle and message events in order

package protocol

import (
	"context"
	"errors"
)

// ErrNotOpen is returned by Connection operations that need an established session.
var ErrNotOpen = errors.New("connection not open")

// ErrClosed is returned by Connection operations after Close has been called.
var ErrClosed = errors.New("connection closed")

// ErrInvalidCredentials is returned by Driver.Open when stored material can
// never resume a session. Callers should discard it and pair again.
var ErrInvalidCredentials = errors.New("invalid credential material")

// Credentials is the opaque material a driver needs to resume a tenant's session
// without pairing again. Only the driver that produced it knows its layout.
type Credentials []byte

// Driver opens connections to one messaging network.
type Driver interface {
	// Name identifies the network in logs and metrics (e.g. "matrix").
	Name() string

	// Open starts a connection attempt for the tenant. When creds is empty the
	// connection is expected to start a pairing flow and emit PairingArtifact events.
	// Open must not block on the network handshake; progress is reported via Events.
	Open(ctx context.Context, tenantID string, creds Credentials) (Connection, error)
}

// Connection is one live or pending connection to the network for one tenant.
type Connection interface {
	// Events delivers lifecycle and message events in emission order. The channel
	// is closed after the connection has stopped for good.
	Events() <-chan Event

	// Send transmits a text message to the counterparty.
	Send(ctx context.Context, counterpartyID, text string) error

	// Lookup checks whether a normalized phone number (digits only) belongs to
	// an account on the network.
	Lookup(ctx context.Context, number string) (LookupResult, error)

	// Logout deauthenticates this device on the network.
	Logout(ctx context.Context) error

	// Close tears the connection down locally without deauthenticating.
	// No Closed event is emitted for a local close.
	Close() error
}

// LookupResult is the outcome of a network membership query.
type LookupResult struct {
	Exists      bool
	CanonicalID string
}

// Purger is implemented by drivers that keep tenant state of their own
// (crypto stores, caches) that must go away on a terminal logout.
type Purger interface {
	Purge(tenantID string) error
}
