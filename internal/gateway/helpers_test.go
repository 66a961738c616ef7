// ABOUTME: Shared fixtures for gateway tests: config, a wired gateway and a recording client
// ABOUTME: Runs on the fake protocol driver, MockStore and an in-memory credential store

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/credstore"
	"github.com/2389/relay-gateway/internal/protocol/fake"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/store"
)

const (
	waitTimeout = 2 * time.Second
	testSecret  = "test-secret-key-for-jwt-signing!"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freeAddr returns a loopback address nobody is listening on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a minimal valid config with free ports and fast timings.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: freeAddr(t),
			HTTPAddr: freeAddr(t),
		},
		Database:    config.DatabaseConfig{Path: ":memory:"},
		Credentials: config.CredentialsConfig{Path: ":memory:"},
		Auth:        config.AuthConfig{JWTSecret: testSecret},
		Sessions: config.SessionsConfig{
			ReconnectInitial:     time.Millisecond,
			ReconnectMax:         5 * time.Millisecond,
			ReconnectMultiplier:  2,
			MaxReconnectAttempts: lo.ToPtr(5),
			DetachPolicy:         config.DetachKeep,
			DedupeTTL:            time.Minute,
			DedupeMaxEntries:     1000,
			LogoutTimeout:        time.Second,
			SendTimeout:          time.Second,
		},
		Protocol: config.ProtocolConfig{
			Driver: "matrix",
			Matrix: config.MatrixConfig{
				Homeserver:  "https://matrix.example.org",
				CallbackURL: "http://localhost/pair/matrix/callback",
			},
		},
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

type testGateway struct {
	gw     *Gateway
	driver *fake.Driver
	store  *store.MockStore
	creds  *credstore.Store
}

// newTestGateway wires a gateway around fakes. The gateway is shut down on cleanup.
func newTestGateway(t *testing.T, tweak ...func(*config.Config)) *testGateway {
	t.Helper()

	cfg := testConfig(t)
	for _, fn := range tweak {
		fn(cfg)
	}

	creds, err := credstore.Open(":memory:")
	require.NoError(t, err)

	tg := &testGateway{
		driver: fake.New(),
		store:  store.NewMockStore(),
		creds:  creds,
	}
	tg.gw, err = NewWithComponents(cfg, Components{
		Store:       tg.store,
		Credentials: creds,
		Driver:      tg.driver,
	}, testLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = tg.gw.Shutdown(ctx)
	})
	return tg
}

// token mints a valid identity token for tenantID.
func (tg *testGateway) token(t *testing.T, tenantID string) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	tok, err := v.Generate(tenantID, time.Hour)
	require.NoError(t, err)
	return tok
}

// nextConn waits for the fake driver to open a connection.
func (tg *testGateway) nextConn(t *testing.T) *fake.Conn {
	t.Helper()
	conn, err := tg.driver.NextOpen(waitTimeout)
	require.NoError(t, err, "expected a connection attempt")
	return conn
}

// recordingClient is a ClientChannel that keeps every event it was sent.
type recordingClient struct {
	id     string
	mu     sync.Mutex
	events []session.ClientEvent
	ch     chan session.ClientEvent
}

func newRecordingClient(id string) *recordingClient {
	return &recordingClient{id: id, ch: make(chan session.ClientEvent, 256)}
}

func (c *recordingClient) ID() string { return c.id }

func (c *recordingClient) Emit(ev session.ClientEvent) error {
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
func (c *recordingClient) waitFor(t *testing.T, name string) session.ClientEvent {
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
