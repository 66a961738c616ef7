// ABOUTME: Closed set of events a protocol Connection emits
// ABOUTME: Consumers type-switch over Event; every variant is a concrete struct

package protocol

import "time"

// Event is implemented only by the event types in this file.
type Event interface {
	isEvent()
}

// CloseReason classifies why a connection stopped.
type CloseReason int

const (
	// ReasonUnknown covers anything the driver could not classify.
	ReasonUnknown CloseReason = iota
	// ReasonConnectionLost is a network drop or transient protocol error.
	ReasonConnectionLost
	// ReasonLoggedOut means the device was deauthenticated, locally or remotely.
	ReasonLoggedOut
	// ReasonReplaced means another connection for the same account took over.
	ReasonReplaced
	// ReasonPairingTimeout means no pairing artifact was redeemed in time.
	ReasonPairingTimeout
	// ReasonRestartRequired means the network asked the client to reconnect.
	ReasonRestartRequired
)

// String returns the snake_case label used in logs and metrics.
func (r CloseReason) String() string {
	switch r {
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonReplaced:
		return "connection_replaced"
	case ReasonPairingTimeout:
		return "pairing_timeout"
	case ReasonRestartRequired:
		return "restart_required"
	default:
		return "unknown"
	}
}

// PairingArtifact carries a fresh, ephemeral code the user redeems to link this device.
type PairingArtifact struct {
	Code string
}

// Opened reports that the connection is authenticated and usable.
type Opened struct {
	SelfID string
}

// Closed reports that the connection stopped. Err holds the underlying cause when known.
type Closed struct {
	Reason CloseReason
	Err    error
}

// MessageReceived carries one message observed on the network.
type MessageReceived struct {
	Message InboundMessage
}

// CredentialsUpdated carries new credential material that must be persisted.
type CredentialsUpdated struct {
	Material Credentials
}

// InboundMessage is a message as the network reported it.
type InboundMessage struct {
	ID             string
	CounterpartyID string
	SenderName     string
	Text           string
	Timestamp      time.Time
	FromSelf       bool
	// Direct is true for one-to-one conversations with a person, false for
	// groups, broadcast lists and other non-person chats.
	Direct bool
}

func (PairingArtifact) isEvent()    {}
func (Opened) isEvent()             {}
func (Closed) isEvent()             {}
func (MessageReceived) isEvent()    {}
func (CredentialsUpdated) isEvent() {}
