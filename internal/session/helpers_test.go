// ABOUTME: Shared fixtures for session tests: a recording client and a wired manager
// ABOUTME: Uses the fake protocol driver, MockStore and an in-memory credential store

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/credstore"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/protocol/fake"
	"github.com/2389/relay-gateway/internal/store"
)

const waitTimeout = 2 * time.Second

type fakeConn = fake.Conn

// recordingClient is a ClientChannel that keeps every event it was sent.
type recordingClient struct {
	id      string
	mu      sync.Mutex
	events  []ClientEvent
	ch      chan ClientEvent
	panicOn string
}

func newRecordingClient(id string) *recordingClient {
	return &recordingClient{id: id, ch: make(chan ClientEvent, 256)}
}

func (c *recordingClient) ID() string { return c.id }

func (c *recordingClient) Emit(ev ClientEvent) error {
	if c.panicOn != "" && ev.Name() == c.panicOn {
		panic("client exploded on " + ev.Name())
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.ch <- ev:
	default:
	}
	return nil
}

// waitFor blocks until an event with the given wire name arrives.
func (c *recordingClient) waitFor(t *testing.T, name string) ClientEvent {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-c.ch:
			if ev.Name() == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event on client %s", name, c.id)
			return nil
		}
	}
}

// count returns how many events with the given name were received.
func (c *recordingClient) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Name() == name {
			n++
		}
	}
	return n
}

type harness struct {
	m      *Manager
	driver *fake.Driver
	creds  *credstore.Store
	store  *store.MockStore
	client *recordingClient
}

func newHarness(t *testing.T, tweak ...func(*Config)) *harness {
	t.Helper()

	creds, err := credstore.Open(":memory:")
	require.NoError(t, err)

	cache := dedupe.New(time.Minute, 1000)

	cfg := Config{
		Reconnect: ReconnectPolicy{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
			MaxAttempts:     5,
		},
		LogoutTimeout: time.Second,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}

	h := &harness{
		driver: fake.New(),
		creds:  creds,
		store:  store.NewMockStore(),
		client: newRecordingClient("client-1"),
	}
	h.m = NewManager(cfg, Deps{
		Driver:      h.driver,
		Credentials: creds,
		Store:       h.store,
		Dedupe:      cache,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.m.Shutdown(ctx)
		cache.Close()
		_ = creds.Close()
	})
	return h
}

// nextConn waits for the driver to open a connection.
func (h *harness) nextConn(t *testing.T) *fake.Conn {
	t.Helper()
	conn, err := h.driver.NextOpen(waitTimeout)
	require.NoError(t, err, "expected a connection attempt")
	return conn
}

// startOpen starts a session for tenant and drives it to Open.
func (h *harness) startOpen(t *testing.T, tenantID string) *fake.Conn {
	t.Helper()
	require.NoError(t, h.m.Start(t.Context(), tenantID, h.client))
	conn := h.nextConn(t)
	conn.Emit(protocol.Opened{SelfID: fmt.Sprintf("%s@net", tenantID)})
	h.client.waitFor(t, "connected")
	return conn
}

// sessionGone waits until the tenant's supervisor has exited.
func (h *harness) sessionGone(t *testing.T, tenantID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := h.m.Session(tenantID)
		return !ok
	}, waitTimeout, 5*time.Millisecond)
}
