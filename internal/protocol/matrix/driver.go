// ABOUTME: Matrix implementation of protocol.Driver built on mautrix
// ABOUTME: Tracks the newest connection per tenant and routes SSO login callbacks to it

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/protocol"
)

// ErrInvalidCredentials is returned by Open when stored material cannot be decoded.
var ErrInvalidCredentials = fmt.Errorf("matrix: %w", protocol.ErrInvalidCredentials)

// Config holds the driver settings.
type Config struct {
	Homeserver      string
	DeviceName      string
	CallbackURL     string
	PairingRefresh  time.Duration
	PairingAttempts int
	Encryption      bool
	DataDir         string
}

const (
	defaultPairingRefresh  = 60 * time.Second
	defaultPairingAttempts = 5
	defaultDeviceName      = "relay-gateway"
)

// credentials is the material persisted between restarts.
type credentials struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

func decodeCredentials(raw protocol.Credentials) (*credentials, error) {
	var c credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if c.UserID == "" || c.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing user id or access token", ErrInvalidCredentials)
	}
	return &c, nil
}

func (c *credentials) encode() protocol.Credentials {
	b, _ := json.Marshal(c)
	return b
}

// Driver opens Matrix connections for tenants.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	conns   map[string]*Conn
	pending map[string]*Conn // pairing nonce -> connection waiting for a login token
}

// New creates a Matrix driver. Zero pairing settings fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PairingRefresh <= 0 {
		cfg.PairingRefresh = defaultPairingRefresh
	}
	if cfg.PairingAttempts <= 0 {
		cfg.PairingAttempts = defaultPairingAttempts
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName
	}
	return &Driver{
		cfg:     cfg,
		logger:  logger.With("component", "matrix"),
		conns:   make(map[string]*Conn),
		pending: make(map[string]*Conn),
	}
}

// Name implements protocol.Driver.
func (d *Driver) Name() string { return "matrix" }

// Open implements protocol.Driver. Empty creds start an SSO pairing flow.
func (d *Driver) Open(ctx context.Context, tenantID string, creds protocol.Credentials) (protocol.Connection, error) {
	var stored *credentials
	if len(creds) > 0 {
		var err error
		if stored, err = decodeCredentials(creds); err != nil {
			return nil, err
		}
	} else if d.cfg.Homeserver == "" {
		return nil, errors.New("matrix: homeserver not configured")
	}

	c := newConn(ctx, d, tenantID)

	d.mu.Lock()
	prev := d.conns[tenantID]
	d.conns[tenantID] = c
	d.mu.Unlock()

	if prev != nil {
		d.logger.Info("newer connection opened, replacing", "tenant_id", tenantID)
		prev.terminate(protocol.ReasonReplaced)
	}

	go c.run(stored)
	return c, nil
}

// release forgets c if it is still the tenant's newest connection.
func (d *Driver) release(c *Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns[c.tenantID] == c {
		delete(d.conns, c.tenantID)
	}
	for nonce, pc := range d.pending {
		if pc == c {
			delete(d.pending, nonce)
		}
	}
}

func (d *Driver) addPending(nonce string, c *Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[nonce] = c
}

func (d *Driver) removePending(nonce string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, nonce)
}

func (d *Driver) takePending(nonce string) (*Conn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.pending[nonce]
	if ok {
		delete(d.pending, nonce)
	}
	return c, ok
}

// Purge implements protocol.Purger by removing the tenant's crypto database.
func (d *Driver) Purge(tenantID string) error {
	if d.cfg.DataDir == "" {
		return nil
	}
	path := cryptoDBPath(d.cfg.DataDir, tenantID)
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("purging crypto store: %w", err)
	}
	d.logger.Info("purged crypto store", "tenant_id", tenantID, "path", path)
	return nil
}

// PairingCallback returns the handler the homeserver redirects to after SSO.
// It expects the loginToken and nonce query parameters.
func (d *Driver) PairingCallback() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("loginToken")
		nonce := r.URL.Query().Get("nonce")
		if token == "" || nonce == "" {
			http.Error(w, "missing loginToken or nonce", http.StatusBadRequest)
			return
		}

		c, ok := d.takePending(nonce)
		if !ok {
			http.Error(w, "pairing request expired, scan the newest code", http.StatusNotFound)
			return
		}
		if !c.deliverLoginToken(token) {
			http.Error(w, "pairing already completed", http.StatusConflict)
			return
		}

		d.logger.Info("received pairing callback", "tenant_id", c.tenantID)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Login received. You can close this window."))
	})
}

func cryptoDBPath(dataDir, tenantID string) string {
	return filepath.Join(dataDir, "crypto-"+tenantFileKey(tenantID)+".db")
}

var (
	_ protocol.Driver = (*Driver)(nil)
	_ protocol.Purger = (*Driver)(nil)
)
