// ABOUTME: Per-tenant supervisor goroutine that owns one protocol connection at a time
// ABOUTME: Processes connection events and client commands strictly in arrival order

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/credstore"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/pairing"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/store"
)

// ErrSessionClosed is returned for commands sent to a supervisor that has stopped.
var ErrSessionClosed = errors.New("session closed")

// ErrNotConnected is returned when an operation needs an open connection.
var ErrNotConnected = errors.New("session not connected")

// ErrEmptyMessage is returned when asked to send empty text.
var ErrEmptyMessage = errors.New("message content is empty")

// State is a supervisor's connection state.
type State int

const (
	StateConnecting State = iota
	StateAwaitingPairing
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingPairing:
		return "awaiting_pairing"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// MarshalText lets State appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Record is a read-only snapshot of a tenant's session.
type Record struct {
	TenantID        string    `json:"tenant_id"`
	State           State     `json:"state"`
	SelfID          string    `json:"self_id,omitempty"`
	LastPairingCode string    `json:"last_pairing_code,omitempty"`
	Attempts        int       `json:"reconnect_attempts"`
	CreatedAt       time.Time `json:"created_at"`
}

// CredentialStore persists protocol credential material per tenant.
// Load returns credstore.ErrNotFound when nothing is stored.
type CredentialStore interface {
	Load(tenantID string) ([]byte, error)
	Save(tenantID string, material []byte) error
	Delete(tenantID string) error
}

const inboxSize = 64

// command is anything the supervisor loop consumes from its inbox.
type command interface{ isCommand() }

type connEvent struct {
	gen uint64
	ev  protocol.Event
}

// connEnded is posted when a connection's event channel closes.
type connEnded struct{ gen uint64 }

type reconnectDue struct{ gen uint64 }

type attachCmd struct{ reply chan<- struct{} }

type sendCmd struct {
	to, text string
	reply    chan<- error
}

type checkCmd struct {
	phone string
	reply chan<- RecipientCheckResult
}

type logoutCmd struct{ reply chan<- struct{} }

type repairCmd struct{ reply chan<- struct{} }

type stopCmd struct{ reply chan<- struct{} }

func (connEvent) isCommand()    {}
func (connEnded) isCommand()    {}
func (reconnectDue) isCommand() {}
func (attachCmd) isCommand()    {}
func (sendCmd) isCommand()      {}
func (checkCmd) isCommand()     {}
func (logoutCmd) isCommand()    {}
func (repairCmd) isCommand()    {}
func (stopCmd) isCommand()      {}

// supervisorDeps are the collaborators every supervisor shares.
type supervisorDeps struct {
	ctx           context.Context
	driver        protocol.Driver
	creds         CredentialStore
	store         store.Store
	registry      *Registry
	dedupe        *dedupe.Cache
	metrics       *metrics.Metrics
	policy        ReconnectPolicy
	logoutTimeout time.Duration
	sendTimeout   time.Duration
	logger        *slog.Logger
}

// Supervisor runs the connection state machine for one tenant.
type Supervisor struct {
	tenantID string
	deps     supervisorDeps
	logger   *slog.Logger
	inbox    chan command
	done     chan struct{}
	onExit   func(*Supervisor)

	// Owned by the run goroutine.
	state     State
	conn      protocol.Connection
	gen       uint64
	reconnect *reconnector
	timer     *time.Timer
	stopped   bool

	mu     sync.RWMutex
	record Record
}

func newSupervisor(tenantID string, deps supervisorDeps, onExit func(*Supervisor)) *Supervisor {
	return &Supervisor{
		tenantID:  tenantID,
		deps:      deps,
		logger:    deps.logger.With("tenant_id", tenantID),
		inbox:     make(chan command, inboxSize),
		done:      make(chan struct{}),
		onExit:    onExit,
		state:     StateConnecting,
		reconnect: newReconnector(deps.policy),
		record: Record{
			TenantID:  tenantID,
			State:     StateConnecting,
			CreatedAt: time.Now().UTC(),
		},
	}
}

// Record returns a snapshot of the session.
func (s *Supervisor) Record() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record
}

// Done is closed once the supervisor has stopped for good.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) run() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session supervisor panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("cleanup after panic failed", "panic", r)
					}
				}()
				s.closeConn()
				s.emit(Disconnected{Reason: DisconnectInternal, Message: "The session stopped because of an internal error."})
			}()
			s.finish()
		}
		// Unregister before signalling done so a waiter never finds this
		// supervisor in the manager again.
		if s.onExit != nil {
			s.onExit(s)
		}
		close(s.done)
	}()

	s.logger.Info("session supervisor started")
	s.deps.metrics.SessionStateChanged("", s.state.String())
	s.open()

	for !s.stopped {
		s.handle(<-s.inbox)
	}
	s.logger.Info("session supervisor stopped")
}

func (s *Supervisor) handle(cmd command) {
	switch c := cmd.(type) {
	case connEvent:
		if c.gen != s.gen || s.conn == nil {
			s.logger.Debug("discarding event from superseded connection", "event", fmt.Sprintf("%T", c.ev))
			return
		}
		s.handleEvent(c.ev)
	case connEnded:
		if c.gen != s.gen || s.conn == nil {
			return
		}
		s.logger.Warn("connection event stream ended without a close event")
		s.handleClose(protocol.Closed{Reason: protocol.ReasonUnknown})
	case reconnectDue:
		if c.gen != s.gen || s.conn != nil {
			return
		}
		s.open()
	case attachCmd:
		if s.state == StateOpen {
			s.emit(Connected{Message: "connected"})
		}
		c.reply <- struct{}{}
	case sendCmd:
		c.reply <- s.send(c.to, c.text)
	case checkCmd:
		c.reply <- s.checkRecipient(c.phone)
	case logoutCmd:
		s.logout()
		c.reply <- struct{}{}
	case repairCmd:
		s.repair()
		c.reply <- struct{}{}
	case stopCmd:
		s.logger.Info("stopping session")
		s.closeConn()
		s.finish()
		c.reply <- struct{}{}
	}
}

// open starts a new connection attempt with whatever credentials are stored.
func (s *Supervisor) open() {
	s.gen++
	s.setState(StateConnecting)

	creds, err := s.deps.creds.Load(s.tenantID)
	if err != nil && !errors.Is(err, credstore.ErrNotFound) {
		s.logger.Error("failed to load credentials", "error", err)
		s.scheduleReconnect()
		return
	}

	conn, err := s.deps.driver.Open(s.deps.ctx, s.tenantID, creds)
	if err != nil && len(creds) > 0 && errors.Is(err, protocol.ErrInvalidCredentials) {
		// Retrying the same material cannot succeed; start over with pairing.
		s.logger.Warn("stored credentials rejected, pairing again", "error", err, "driver", s.deps.driver.Name())
		if derr := s.deps.creds.Delete(s.tenantID); derr != nil {
			s.logger.Error("failed to delete credentials", "error", derr)
			s.scheduleReconnect()
			return
		}
		if p, ok := s.deps.driver.(protocol.Purger); ok {
			if perr := p.Purge(s.tenantID); perr != nil {
				s.logger.Error("failed to purge driver state", "error", perr)
			}
		}
		s.open()
		return
	}
	if err != nil {
		s.logger.Error("failed to open connection", "error", err, "driver", s.deps.driver.Name())
		s.scheduleReconnect()
		return
	}

	s.conn = conn
	s.logger.Info("connection attempt started", "driver", s.deps.driver.Name(), "resuming", len(creds) > 0, "generation", s.gen)
	go s.pump(s.gen, conn)
}

// pump forwards one connection's events into the inbox, tagged with its generation.
func (s *Supervisor) pump(gen uint64, conn protocol.Connection) {
	for ev := range conn.Events() {
		select {
		case s.inbox <- connEvent{gen: gen, ev: ev}:
		case <-s.done:
			return
		}
	}
	select {
	case s.inbox <- connEnded{gen: gen}:
	case <-s.done:
	}
}

func (s *Supervisor) handleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.PairingArtifact:
		s.setState(StateAwaitingPairing)
		s.mu.Lock()
		s.record.LastPairingCode = e.Code
		s.mu.Unlock()

		image, err := pairing.DataURL(e.Code)
		if err != nil {
			s.logger.Warn("failed to render pairing code", "error", err)
		}
		s.logger.Info("pairing code received")
		s.emit(PairingCode{Code: e.Code, Image: image})

	case protocol.Opened:
		if prev := s.deps.registry.Set(s.tenantID, s.conn); prev != nil && prev != s.conn {
			s.logger.Error("replaced a handle that was still registered")
		}
		s.reconnect.reset()
		s.mu.Lock()
		s.record.SelfID = e.SelfID
		s.record.LastPairingCode = ""
		s.record.Attempts = 0
		s.mu.Unlock()
		s.setState(StateOpen)
		s.logger.Info("=== SESSION OPEN ===", "self_id", e.SelfID)
		s.emit(Connected{Message: "connected"})

	case protocol.Closed:
		s.handleClose(e)

	case protocol.MessageReceived:
		s.handleInbound(e.Message)

	case protocol.CredentialsUpdated:
		if err := s.deps.creds.Save(s.tenantID, e.Material); err != nil {
			s.logger.Error("failed to persist credentials", "error", err)
			return
		}
		s.logger.Debug("credentials persisted")
	}
}

func (s *Supervisor) handleClose(e protocol.Closed) {
	// The closed handle must leave the registry before anything else happens.
	s.deps.registry.RemoveIf(s.tenantID, s.conn)
	_ = s.conn.Close()
	s.conn = nil
	s.deps.metrics.Closure(e.Reason.String())

	switch classify(e.Reason) {
	case actionLoggedOut:
		s.logger.Info("connection logged out; removing credentials", "error", e.Err)
		s.purge()
		s.emit(Disconnected{Reason: DisconnectLoggedOut, Message: "You have been logged out."})
		s.finish()
	case actionReplaced:
		s.logger.Warn("connection replaced by another session")
		s.emit(Replaced{Message: "Your session was opened somewhere else."})
		s.finish()
	default:
		s.logger.Warn("connection closed; reconnecting", "reason", e.Reason.String(), "error", e.Err)
		s.scheduleReconnect()
	}
}

// scheduleReconnect arms a timer that posts reconnectDue, or ends the session
// when the attempt budget is spent.
func (s *Supervisor) scheduleReconnect() {
	s.setState(StateClosed)

	delay, ok := s.reconnect.next()
	if !ok {
		s.logger.Error("reconnect attempts exhausted", "attempts", s.reconnect.attempts)
		s.emit(Disconnected{Reason: DisconnectExhausted, Message: "reconnect attempts exhausted"})
		s.finish()
		return
	}

	s.mu.Lock()
	s.record.Attempts = s.reconnect.attempts
	s.mu.Unlock()
	s.deps.metrics.Reconnect()
	s.logger.Info("reconnect scheduled", "delay", delay, "attempt", s.reconnect.attempts)

	gen := s.gen
	s.timer = time.AfterFunc(delay, func() {
		select {
		case s.inbox <- reconnectDue{gen: gen}:
		case <-s.done:
		}
	})
}

func (s *Supervisor) handleInbound(msg protocol.InboundMessage) {
	if s.state != StateOpen {
		s.logger.Debug("dropping message received before open")
		return
	}
	if msg.FromSelf || !msg.Direct {
		return
	}
	if s.deps.dedupe != nil && s.deps.dedupe.Seen(s.tenantID, msg.ID) {
		s.logger.Debug("dropping duplicate message", "message_id", msg.ID)
		return
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	s.deps.metrics.Message("inbound")

	ctx, cancel := context.WithTimeout(s.deps.ctx, s.deps.sendTimeout)
	defer cancel()

	err := s.deps.store.AppendMessage(ctx, &store.Message{
		TenantID:   s.tenantID,
		ChatID:     msg.CounterpartyID,
		ExternalID: msg.ID,
		Text:       msg.Text,
		Timestamp:  ts,
	})
	if err != nil {
		s.deps.metrics.PersistFailure()
		s.logger.Error("failed to persist inbound message", "error", err, "contact_id", msg.CounterpartyID)
	}

	err = s.deps.store.UpsertChatSummary(ctx, s.tenantID, msg.CounterpartyID, store.ChatDelta{
		DisplayName:     msg.SenderName,
		DefaultName:     localPart(msg.CounterpartyID),
		LastMessage:     &msg.Text,
		LastMessageAt:   &ts,
		UnreadIncrement: 1,
	})
	if err != nil {
		s.deps.metrics.PersistFailure()
		s.logger.Error("failed to update chat summary", "error", err, "contact_id", msg.CounterpartyID)
	}

	s.logger.Debug("inbound message", "contact_id", msg.CounterpartyID)
	s.emit(NewMessage{
		ContactID: msg.CounterpartyID,
		Message:   ChatMessage{FromMe: false, Text: msg.Text, Timestamp: ts},
	})
}

func (s *Supervisor) send(to, text string) error {
	if text == "" {
		s.deps.metrics.SendFailure()
		s.emit(SendFailed{ContactID: to, Error: ErrEmptyMessage.Error()})
		return ErrEmptyMessage
	}
	if s.state != StateOpen || s.conn == nil {
		s.deps.metrics.SendFailure()
		s.emit(SendFailed{ContactID: to, Error: ErrNotConnected.Error()})
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(s.deps.ctx, s.deps.sendTimeout)
	defer cancel()

	if err := s.conn.Send(ctx, to, text); err != nil {
		s.deps.metrics.SendFailure()
		s.logger.Error("failed to send message", "error", err, "contact_id", to)
		s.emit(SendFailed{ContactID: to, Error: "failed to send the message"})
		return fmt.Errorf("sending message: %w", err)
	}
	s.deps.metrics.Message("outbound")

	ts := time.Now().UTC()
	err := s.deps.store.AppendMessage(ctx, &store.Message{
		TenantID:  s.tenantID,
		ChatID:    to,
		FromMe:    true,
		Text:      text,
		Timestamp: ts,
	})
	if err != nil {
		s.deps.metrics.PersistFailure()
		s.logger.Error("failed to persist sent message", "error", err, "contact_id", to)
	}

	err = s.deps.store.UpsertChatSummary(ctx, s.tenantID, to, store.ChatDelta{
		DefaultName:   localPart(to),
		LastMessage:   &text,
		LastMessageAt: &ts,
	})
	if err != nil {
		s.deps.metrics.PersistFailure()
		s.logger.Error("failed to update chat summary", "error", err, "contact_id", to)
	}

	s.logger.Debug("message sent", "contact_id", to)
	return nil
}

func (s *Supervisor) checkRecipient(phone string) RecipientCheckResult {
	result := s.lookupRecipient(phone)
	s.emit(result)
	return result
}

func (s *Supervisor) lookupRecipient(phone string) RecipientCheckResult {
	number := NormalizeNumber(phone)
	if number == "" {
		return RecipientCheckResult{Error: ReasonInvalidNumber}
	}
	if s.state != StateOpen || s.conn == nil {
		return RecipientCheckResult{Error: ReasonNotConnected}
	}

	ctx, cancel := context.WithTimeout(s.deps.ctx, s.deps.sendTimeout)
	defer cancel()

	res, err := s.conn.Lookup(ctx, number)
	if err != nil {
		s.logger.Error("recipient lookup failed", "error", err, "number", number)
		return RecipientCheckResult{Error: ReasonLookupFailed}
	}
	if !res.Exists {
		s.logger.Info("number not registered", "number", number)
		return RecipientCheckResult{Error: ReasonNotRegistered}
	}

	err = s.deps.store.UpsertChatSummary(ctx, s.tenantID, res.CanonicalID, store.ChatDelta{DefaultName: number})
	if err != nil {
		s.deps.metrics.PersistFailure()
		s.logger.Error("failed to create chat for recipient", "error", err, "jid", res.CanonicalID)
		return RecipientCheckResult{Error: ReasonChatNotSaved}
	}

	return RecipientCheckResult{Valid: true, JID: res.CanonicalID, Number: number}
}

// logout deauthenticates best-effort, then always cleans up locally.
func (s *Supervisor) logout() {
	if s.conn != nil {
		ctx, cancel := context.WithTimeout(s.deps.ctx, s.deps.logoutTimeout)
		if err := s.conn.Logout(ctx); err != nil {
			s.logger.Warn("remote logout failed; cleaning up locally", "error", err)
		}
		cancel()
	}
	s.closeConn()
	s.purge()
	s.logger.Info("session logged out")
	s.emit(Disconnected{Reason: DisconnectLoggedOut, Message: "You have been logged out."})
	s.finish()
}

// repair drops the current connection and starts a fresh attempt.
func (s *Supervisor) repair() {
	s.logger.Info("new pairing requested")
	s.closeConn()
	s.reconnect.reset()
	s.open()
}

// closeConn tears the current connection down locally. Its trailing events are
// discarded because the generation moves on.
func (s *Supervisor) closeConn() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.conn == nil {
		return
	}
	s.deps.registry.RemoveIf(s.tenantID, s.conn)
	if err := s.conn.Close(); err != nil {
		s.logger.Warn("error closing connection", "error", err)
	}
	s.conn = nil
	s.gen++
}

// purge deletes everything stored for the tenant's protocol identity.
func (s *Supervisor) purge() {
	if err := s.deps.creds.Delete(s.tenantID); err != nil {
		s.logger.Error("failed to delete credentials", "error", err)
	}
	if p, ok := s.deps.driver.(protocol.Purger); ok {
		if err := p.Purge(s.tenantID); err != nil {
			s.logger.Error("failed to purge driver state", "error", err)
		}
	}
	if s.deps.dedupe != nil {
		s.deps.dedupe.Forget(s.tenantID)
	}
}

func (s *Supervisor) finish() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.setState(StateClosed)
	s.deps.metrics.SessionStateChanged(StateClosed.String(), "")
	s.stopped = true
}

func (s *Supervisor) setState(st State) {
	if s.state == st {
		return
	}
	s.deps.metrics.SessionStateChanged(s.state.String(), st.String())
	s.state = st
	s.mu.Lock()
	s.record.State = st
	s.mu.Unlock()
}

// emit routes an event to whichever client is bound to the tenant right now.
func (s *Supervisor) emit(ev ClientEvent) {
	ch, ok := s.deps.registry.Binding(s.tenantID)
	if !ok {
		s.logger.Debug("no client bound; dropping event", "event", ev.Name())
		return
	}
	if err := ch.Emit(ev); err != nil {
		s.logger.Warn("failed to deliver event to client", "event", ev.Name(), "client_id", ch.ID(), "error", err)
	}
}

// request posts a command built around a reply channel and waits for the answer.
func request[T any](ctx context.Context, s *Supervisor, build func(chan<- T) command) (T, error) {
	var zero T
	reply := make(chan T, 1)

	select {
	case s.inbox <- build(reply):
	case <-s.done:
		return zero, ErrSessionClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrSessionClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
