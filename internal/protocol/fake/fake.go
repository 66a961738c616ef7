// ABOUTME: Scriptable in-memory protocol driver used by session and gateway tests
// ABOUTME: Tests push events into connections and inspect what the core sent back

package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/protocol"
)

// ErrTimeout is returned by NextOpen when no connection was opened in time.
var ErrTimeout = errors.New("fake: timed out waiting for open")

// Driver records every Open call and hands back controllable connections.
type Driver struct {
	mu      sync.Mutex
	conns   map[string][]*Conn
	purged  map[string]int
	openErr error
	reject  bool
	opened  chan *Conn
}

// New creates an empty fake driver.
func New() *Driver {
	return &Driver{
		conns:  make(map[string][]*Conn),
		purged: make(map[string]int),
		opened: make(chan *Conn, 64),
	}
}

// Name implements protocol.Driver.
func (d *Driver) Name() string { return "fake" }

// Open implements protocol.Driver.
func (d *Driver) Open(ctx context.Context, tenantID string, creds protocol.Credentials) (protocol.Connection, error) {
	d.mu.Lock()
	if d.openErr != nil {
		err := d.openErr
		d.mu.Unlock()
		return nil, err
	}
	if d.reject && len(creds) > 0 {
		d.mu.Unlock()
		return nil, fmt.Errorf("fake: %w", protocol.ErrInvalidCredentials)
	}
	c := newConn(tenantID, creds)
	d.conns[tenantID] = append(d.conns[tenantID], c)
	d.mu.Unlock()

	select {
	case d.opened <- c:
	default:
	}
	return c, nil
}

// Purge implements protocol.Purger.
func (d *Driver) Purge(tenantID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purged[tenantID]++
	return nil
}

// SetOpenError makes subsequent Open calls fail with err (nil restores success).
func (d *Driver) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// RejectCredentials makes Open refuse any non-empty credentials as undecodable.
func (d *Driver) RejectCredentials(reject bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reject = reject
}

// NextOpen waits for the next connection opened through this driver.
func (d *Driver) NextOpen(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-d.opened:
		return c, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Conns returns every connection opened for the tenant, oldest first.
func (d *Driver) Conns(tenantID string) []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns[tenantID]))
	copy(out, d.conns[tenantID])
	return out
}

// OpenCount returns how many times Open succeeded for the tenant.
func (d *Driver) OpenCount(tenantID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns[tenantID])
}

// PurgeCount returns how many times Purge ran for the tenant.
func (d *Driver) PurgeCount(tenantID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.purged[tenantID]
}

// SentMessage is one successful Send call.
type SentMessage struct {
	CounterpartyID string
	Text           string
}

// Conn is a fake protocol.Connection.
type Conn struct {
	TenantID string
	Creds    protocol.Credentials

	mu        sync.Mutex
	events    chan protocol.Event
	stopped   bool
	closed    bool
	sent      []SentMessage
	lookups   map[string]protocol.LookupResult
	sendErr   error
	lookupErr error
	logoutErr error
	logouts   int
}

func newConn(tenantID string, creds protocol.Credentials) *Conn {
	return &Conn{
		TenantID: tenantID,
		Creds:    creds,
		events:   make(chan protocol.Event, 64),
		lookups:  make(map[string]protocol.LookupResult),
	}
}

// Emit delivers an event as if the network produced it. A Closed event also
// closes the events channel. Emitting on a stopped connection is a no-op.
func (c *Conn) Emit(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.events <- ev
	if _, ok := ev.(protocol.Closed); ok {
		c.stopped = true
		close(c.events)
	}
}

// Events implements protocol.Connection.
func (c *Conn) Events() <-chan protocol.Event { return c.events }

// Send implements protocol.Connection.
func (c *Conn) Send(ctx context.Context, counterpartyID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, SentMessage{CounterpartyID: counterpartyID, Text: text})
	return nil
}

// Lookup implements protocol.Connection.
func (c *Conn) Lookup(ctx context.Context, number string) (protocol.LookupResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErr != nil {
		return protocol.LookupResult{}, c.lookupErr
	}
	return c.lookups[number], nil
}

// Logout implements protocol.Connection.
func (c *Conn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return c.logoutErr
}

// Close implements protocol.Connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if !c.stopped {
		c.stopped = true
		close(c.events)
	}
	return nil
}

// SetSendError makes Send fail with err (nil restores success).
func (c *Conn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// SetLookup scripts the result for a normalized number.
func (c *Conn) SetLookup(number string, result protocol.LookupResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups[number] = result
}

// SetLookupError makes Lookup fail with err.
func (c *Conn) SetLookupError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookupErr = err
}

// SetLogoutError makes Logout fail with err.
func (c *Conn) SetLogoutError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutErr = err
}

// Sent returns a copy of every successful Send.
func (c *Conn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// LogoutCalls returns how many times Logout was invoked.
func (c *Conn) LogoutCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
