// ABOUTME: Manager owns every tenant's supervisor and is the entry point for client commands
// ABOUTME: Creates supervisors on start, routes commands to them and shuts them down together

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/store"
)

// ErrNoSession is returned for commands addressed to a tenant without a running supervisor.
var ErrNoSession = errors.New("no active session")

// DetachPolicy says what happens to a session when its client transport goes away.
type DetachPolicy string

const (
	// DetachKeep clears the client binding and leaves the session running.
	DetachKeep DetachPolicy = "keep"
	// DetachTeardown also stops the supervisor, keeping credentials for a later start.
	DetachTeardown DetachPolicy = "teardown"
)

// Config tunes supervisor behaviour.
type Config struct {
	Reconnect     ReconnectPolicy
	DetachPolicy  DetachPolicy
	LogoutTimeout time.Duration
	SendTimeout   time.Duration
}

// Deps are the collaborators the manager hands to each supervisor.
// Dedupe and Metrics are optional.
type Deps struct {
	Driver      protocol.Driver
	Credentials CredentialStore
	Store       store.Store
	Dedupe      *dedupe.Cache
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Manager tracks one supervisor per tenant.
type Manager struct {
	cfg      Config
	deps     Deps
	registry *Registry
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	supervisors map[string]*Supervisor
}

// NewManager creates a manager. Zero config fields fall back to defaults.
func NewManager(cfg Config, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Reconnect == (ReconnectPolicy{}) {
		cfg.Reconnect = DefaultReconnectPolicy()
	}
	if cfg.DetachPolicy == "" {
		cfg.DetachPolicy = DetachKeep
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		deps:        deps,
		registry:    NewRegistry(),
		logger:      deps.Logger.With("component", "session"),
		ctx:         ctx,
		cancel:      cancel,
		supervisors: make(map[string]*Supervisor),
	}
}

// Registry exposes the handle and binding registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start binds ch as the tenant's client and makes sure a supervisor is running.
// An existing session is reused; if it is already open, ch receives "connected".
func (m *Manager) Start(ctx context.Context, tenantID string, ch ClientChannel) error {
	if prev := m.registry.ReplaceClientBinding(tenantID, ch); prev != nil && prev != ch {
		m.logger.Info("client binding superseded", "tenant_id", tenantID, "previous_client", prev.ID(), "client_id", ch.ID())
	}

	// A supervisor found in the map may be exiting; retry once with a fresh one.
	for range 2 {
		sup, created := m.getOrCreate(tenantID)
		if created {
			return nil
		}
		_, err := request(ctx, sup, func(r chan<- struct{}) command { return attachCmd{reply: r} })
		if !errors.Is(err, ErrSessionClosed) {
			return err
		}
		<-sup.Done()
	}
	return ErrSessionClosed
}

func (m *Manager) getOrCreate(tenantID string) (*Supervisor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sup, ok := m.supervisors[tenantID]; ok {
		return sup, false
	}

	sup := newSupervisor(tenantID, supervisorDeps{
		ctx:           m.ctx,
		driver:        m.deps.Driver,
		creds:         m.deps.Credentials,
		store:         m.deps.Store,
		registry:      m.registry,
		dedupe:        m.deps.Dedupe,
		metrics:       m.deps.Metrics,
		policy:        m.cfg.Reconnect,
		logoutTimeout: m.cfg.LogoutTimeout,
		sendTimeout:   m.cfg.SendTimeout,
		logger:        m.logger,
	}, m.onExit)
	m.supervisors[tenantID] = sup
	go sup.run()

	m.logger.Info("session created", "tenant_id", tenantID, "total_sessions", len(m.supervisors))
	return sup, true
}

// onExit forgets a stopped supervisor unless a newer one already took its place.
func (m *Manager) onExit(sup *Supervisor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.supervisors[sup.tenantID] == sup {
		delete(m.supervisors, sup.tenantID)
	}
}

func (m *Manager) supervisor(tenantID string) (*Supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sup, ok := m.supervisors[tenantID]
	if !ok {
		return nil, ErrNoSession
	}
	return sup, nil
}

// noSession maps a dead supervisor onto ErrNoSession for callers.
func noSession(err error) error {
	if errors.Is(err, ErrSessionClosed) {
		return ErrNoSession
	}
	return err
}

// CheckRecipient normalizes phone and checks it against the network.
// The result is also pushed to the tenant's client.
func (m *Manager) CheckRecipient(ctx context.Context, tenantID, phone string) (RecipientCheckResult, error) {
	sup, err := m.supervisor(tenantID)
	if err != nil {
		return RecipientCheckResult{}, err
	}
	res, err := request(ctx, sup, func(r chan<- RecipientCheckResult) command {
		return checkCmd{phone: phone, reply: r}
	})
	return res, noSession(err)
}

// SendMessage transmits text to a counterparty. Failures are also pushed to the
// tenant's client as send_error.
func (m *Manager) SendMessage(ctx context.Context, tenantID, to, text string) error {
	sup, err := m.supervisor(tenantID)
	if err != nil {
		return err
	}
	sendErr, err := request(ctx, sup, func(r chan<- error) command {
		return sendCmd{to: to, text: text, reply: r}
	})
	if err != nil {
		return noSession(err)
	}
	return sendErr
}

// Logout deauthenticates the tenant's connection and deletes local credential
// state. Without a running session only the local cleanup happens.
func (m *Manager) Logout(ctx context.Context, tenantID string) error {
	sup, err := m.supervisor(tenantID)
	if err == nil {
		_, err = request(ctx, sup, func(r chan<- struct{}) command { return logoutCmd{reply: r} })
		if !errors.Is(err, ErrSessionClosed) {
			return err
		}
	}

	m.logger.Info("logout without a running session; cleaning up locally", "tenant_id", tenantID)
	if err := m.deps.Credentials.Delete(tenantID); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	if p, ok := m.deps.Driver.(protocol.Purger); ok {
		if err := p.Purge(tenantID); err != nil {
			m.logger.Error("failed to purge driver state", "tenant_id", tenantID, "error", err)
		}
	}
	if m.deps.Dedupe != nil {
		m.deps.Dedupe.Forget(tenantID)
	}
	if ch, ok := m.registry.Binding(tenantID); ok {
		if err := ch.Emit(Disconnected{Reason: DisconnectLoggedOut, Message: "You have been logged out."}); err != nil {
			m.logger.Warn("failed to deliver event to client", "tenant_id", tenantID, "error", err)
		}
	}
	return nil
}

// RequestNewPairing drops the tenant's current connection and starts a fresh
// attempt. It is valid in any state: when no session is running (after a
// logout or a replacement) a new one is started and its first connection is
// the fresh attempt. A non-nil ch becomes the tenant's client.
func (m *Manager) RequestNewPairing(ctx context.Context, tenantID string, ch ClientChannel) error {
	if ch != nil {
		m.registry.ReplaceClientBinding(tenantID, ch)
	}

	for range 2 {
		sup, created := m.getOrCreate(tenantID)
		if created {
			m.logger.Info("re-pairing started a new session", "tenant_id", tenantID)
			return nil
		}
		_, err := request(ctx, sup, func(r chan<- struct{}) command { return repairCmd{reply: r} })
		if !errors.Is(err, ErrSessionClosed) {
			return err
		}
		<-sup.Done()
	}
	return ErrSessionClosed
}

// Detach is called when a client transport goes away. What happens to the
// session depends on the configured DetachPolicy.
func (m *Manager) Detach(ctx context.Context, tenantID string, ch ClientChannel) {
	if !m.registry.ClearClientBinding(tenantID, ch) {
		return
	}
	m.logger.Info("client detached", "tenant_id", tenantID, "client_id", ch.ID(), "policy", m.cfg.DetachPolicy)

	if m.cfg.DetachPolicy != DetachTeardown {
		return
	}
	sup, err := m.supervisor(tenantID)
	if err != nil {
		return
	}
	if err := m.stop(ctx, sup); err != nil {
		m.logger.Warn("failed to stop session on detach", "tenant_id", tenantID, "error", err)
	}
}

// stop asks a supervisor to close its connection locally and waits for it to exit.
func (m *Manager) stop(ctx context.Context, sup *Supervisor) error {
	_, err := request(ctx, sup, func(r chan<- struct{}) command { return stopCmd{reply: r} })
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		return err
	}
	select {
	case <-sup.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns a snapshot of the tenant's session.
func (m *Manager) Session(tenantID string) (Record, bool) {
	sup, err := m.supervisor(tenantID)
	if err != nil {
		return Record{}, false
	}
	return sup.Record(), true
}

// Sessions returns snapshots of every running session ordered by tenant.
func (m *Manager) Sessions() []Record {
	m.mu.Lock()
	sups := lo.Values(m.supervisors)
	m.mu.Unlock()

	records := lo.Map(sups, func(s *Supervisor, _ int) Record { return s.Record() })
	sort.Slice(records, func(i, j int) bool { return records[i].TenantID < records[j].TenantID })
	return records
}

// Shutdown stops every supervisor concurrently without logging anyone out.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sups := lo.Values(m.supervisors)
	m.mu.Unlock()

	m.logger.Info("stopping sessions", "count", len(sups))

	g, gctx := errgroup.WithContext(ctx)
	for _, sup := range sups {
		g.Go(func() error {
			return m.stop(gctx, sup)
		})
	}
	err := g.Wait()
	m.cancel()
	return err
}
