// ABOUTME: Command facade routing client commands to the tenant's session supervisor
// ABOUTME: Dispatch table keyed by wire command name; handlers only decode and forward

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/2389/relay-gateway/internal/session"
)

// commandHandler forwards one decoded command for an authenticated tenant.
type commandHandler func(ctx context.Context, tenantID string, ch session.ClientChannel, raw json.RawMessage) error

// Facade is the single entry point for client commands.
type Facade struct {
	sessions *session.Manager
	handlers map[string]commandHandler
	logger   *slog.Logger
}

// NewFacade creates a facade over the session manager.
func NewFacade(sessions *session.Manager, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Facade{
		sessions: sessions,
		logger:   logger.With("component", "facade"),
	}
	f.handlers = map[string]commandHandler{
		CmdStartSession:  withPayload(f.startSession),
		CmdCheckNumber:   withPayload(f.checkNumber),
		CmdSendMessage:   withPayload(f.sendMessage),
		CmdLogoutSession: f.logoutSession,
		CmdRequestNewQR:  f.requestNewQR,
	}
	return f
}

// withPayload decodes and validates the payload before calling fn.
func withPayload[T any](fn func(context.Context, string, session.ClientChannel, *T) error) commandHandler {
	return func(ctx context.Context, tenantID string, ch session.ClientChannel, raw json.RawMessage) error {
		p, err := decodePayload[T](raw)
		if err != nil {
			return err
		}
		return fn(ctx, tenantID, ch, p)
	}
}

// Dispatch routes one command. Unknown or malformed commands, and commands for
// a tenant without a session, are answered with an "error" event on ch.
// The returned error is what the handler reported, for logging and tests.
func (f *Facade) Dispatch(ctx context.Context, tenantID string, ch session.ClientChannel, name string, raw json.RawMessage) error {
	h, ok := f.handlers[name]
	if !ok {
		f.reject(tenantID, ch, name, "unknown command")
		return ErrMalformedCommand
	}

	err := h(ctx, tenantID, ch, raw)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNoSession):
		f.reject(tenantID, ch, name, session.ErrNoSession.Error())
	default:
		f.reject(tenantID, ch, name, err.Error())
	}
	return err
}

func (f *Facade) reject(tenantID string, ch session.ClientChannel, name, msg string) {
	f.logger.Debug("command rejected", "tenant_id", tenantID, "command", name, "reason", msg)
	if err := ch.Emit(session.CommandError{Command: name, Error: msg}); err != nil {
		f.logger.Warn("failed to deliver event to client", "tenant_id", tenantID, "client_id", ch.ID(), "error", err)
	}
}

func (f *Facade) startSession(ctx context.Context, tenantID string, ch session.ClientChannel, cmd *StartSessionCommand) error {
	f.logger.Info("start session requested", "tenant_id", tenantID, "client_id", ch.ID(), "session_id", cmd.SessionID)
	return f.sessions.Start(ctx, tenantID, ch)
}

// checkNumber forwards a recipient check. The session pushes the result to the
// client itself, so only a missing session is reported back here.
func (f *Facade) checkNumber(ctx context.Context, tenantID string, ch session.ClientChannel, cmd *CheckNumberCommand) error {
	_, err := f.sessions.CheckRecipient(ctx, tenantID, cmd.PhoneNumber)
	if err != nil && !errors.Is(err, session.ErrNoSession) {
		f.logger.Warn("recipient check failed", "tenant_id", tenantID, "error", err)
		return nil
	}
	return err
}

// sendMessage forwards an outbound message. Send failures reach the client as
// send_error from the session.
func (f *Facade) sendMessage(ctx context.Context, tenantID string, ch session.ClientChannel, cmd *SendMessageCommand) error {
	err := f.sessions.SendMessage(ctx, tenantID, cmd.ContactID, cmd.Content)
	if err != nil && !errors.Is(err, session.ErrNoSession) {
		f.logger.Debug("send failed", "tenant_id", tenantID, "contact_id", cmd.ContactID, "error", err)
		return nil
	}
	return err
}

// logoutSession works without a running session too: local state is still
// cleaned up. A caller that is not the bound client hears about it directly.
func (f *Facade) logoutSession(ctx context.Context, tenantID string, ch session.ClientChannel, _ json.RawMessage) error {
	bound, ok := f.sessions.Registry().Binding(tenantID)
	if err := f.sessions.Logout(ctx, tenantID); err != nil {
		return err
	}
	if !ok || bound != ch {
		if err := ch.Emit(session.Disconnected{Reason: session.DisconnectLoggedOut, Message: "You have been logged out."}); err != nil {
			f.logger.Warn("failed to deliver event to client", "tenant_id", tenantID, "client_id", ch.ID(), "error", err)
		}
	}
	return nil
}

func (f *Facade) requestNewQR(ctx context.Context, tenantID string, ch session.ClientChannel, _ json.RawMessage) error {
	return f.sessions.RequestNewPairing(ctx, tenantID, ch)
}
