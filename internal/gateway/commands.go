// ABOUTME: Wire frames and command payloads exchanged with websocket clients
// ABOUTME: Payloads are decoded and validated here before the facade forwards them

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Wire command names accepted from clients.
const (
	CmdStartSession  = "startSession"
	CmdCheckNumber   = "check_number"
	CmdSendMessage   = "send_message"
	CmdLogoutSession = "logout_session"
	CmdRequestNewQR  = "request_new_qr"
)

// ErrMalformedCommand wraps every decode or validation failure.
var ErrMalformedCommand = errors.New("malformed command")

// Frame is one websocket message in either direction: {"event": ..., "data": ...}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StartSessionCommand asks for the tenant's session to be started or reused.
// SessionID is informational; the tenant always comes from the identity token.
type StartSessionCommand struct {
	SessionID string `json:"sessionId" validate:"max=128"`
}

// CheckNumberCommand asks whether a phone number exists on the network.
// An empty number is answered with an invalid result, not rejected here.
type CheckNumberCommand struct {
	PhoneNumber string `json:"phoneNumber" validate:"max=64"`
}

// SendMessageCommand sends text to a counterparty. Empty content is reported
// as send_error by the session, so only the target is required.
type SendMessageCommand struct {
	ContactID string `json:"contactId" validate:"required,max=255"`
	Content   string `json:"content" validate:"max=65536"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// decodePayload unmarshals raw into T and validates it. A missing payload
// decodes to the zero value, which is then validated like any other.
func decodePayload[T any](raw json.RawMessage) (*T, error) {
	var p T
	if len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedCommand, describeValidation(err))
	}
	return &p, nil
}

// describeValidation turns validator errors into a short client-facing message.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "max":
			msgs = append(msgs, fe.Field()+" is too long")
		default:
			msgs = append(msgs, fe.Field()+" failed "+fe.Tag())
		}
	}
	return strings.Join(msgs, "; ")
}
