// ABOUTME: Closed set of events the session core pushes to a tenant's client channel
// ABOUTME: Each event names its wire event and marshals to the JSON payload clients expect

package session

import "time"

// ClientEvent is implemented only by the event types in this file.
type ClientEvent interface {
	// Name is the wire event name, e.g. "new_message".
	Name() string
	isClientEvent()
}

// ClientChannel is the currently attached client transport for a tenant.
// Emit must not block; implementations queue or drop.
type ClientChannel interface {
	ID() string
	Emit(ev ClientEvent) error
}

// PairingCode carries a freshly generated pairing artifact.
type PairingCode struct {
	Code  string `json:"code"`
	Image string `json:"image,omitempty"` // PNG data URL of the code as a QR image
}

// Connected reports that the tenant's protocol connection is usable.
type Connected struct {
	Message string `json:"message"`
}

// Replaced reports that another connection took over the tenant's account.
type Replaced struct {
	Message string `json:"message"`
}

// Disconnected reports that the session ended and will not reconnect by itself.
type Disconnected struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ChatMessage is the message body inside NewMessage.
type ChatMessage struct {
	FromMe    bool      `json:"fromMe"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage carries one accepted inbound message.
type NewMessage struct {
	ContactID string      `json:"contactId"`
	Message   ChatMessage `json:"message"`
}

// SendFailed reports that an outbound message was not sent.
type SendFailed struct {
	ContactID string `json:"contactId"`
	Error     string `json:"error"`
}

// RecipientCheckResult is the outcome of a phone number check. JID and Number
// are set only when Valid; Error only when not.
type RecipientCheckResult struct {
	Valid  bool   `json:"valid"`
	JID    string `json:"jid,omitempty"`
	Number string `json:"number,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CommandError reports a command the gateway could not route or decode.
type CommandError struct {
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
}

func (PairingCode) Name() string          { return "qr" }
func (Connected) Name() string            { return "connected" }
func (Replaced) Name() string             { return "replaced" }
func (Disconnected) Name() string         { return "disconnected" }
func (NewMessage) Name() string           { return "new_message" }
func (SendFailed) Name() string           { return "send_error" }
func (RecipientCheckResult) Name() string { return "number_check_result" }
func (CommandError) Name() string         { return "error" }

func (PairingCode) isClientEvent()          {}
func (Connected) isClientEvent()            {}
func (Replaced) isClientEvent()             {}
func (Disconnected) isClientEvent()         {}
func (NewMessage) isClientEvent()           {}
func (SendFailed) isClientEvent()           {}
func (RecipientCheckResult) isClientEvent() {}
func (CommandError) isClientEvent()         {}

// Disconnect reasons carried in Disconnected.Reason.
const (
	DisconnectLoggedOut = "logged_out"
	DisconnectExhausted = "reconnect_exhausted"
	DisconnectInternal  = "internal_error"
)

// Recipient check failure reasons.
const (
	ReasonInvalidNumber = "invalid phone number"
	ReasonNotConnected  = "session not connected"
	ReasonNotRegistered = "number is not registered on the network"
	ReasonLookupFailed  = "could not verify the number"
	ReasonChatNotSaved  = "could not save the chat"
)
