// ABOUTME: Websocket client transport: one connection per browser tab, bound to a tenant
// ABOUTME: Read, write and command loops per client; events are queued and never block the session

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/session"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 128 * 1024
	wsSendBuffer     = 64
	wsCommandBuffer  = 16
	wsDetachTimeout  = 10 * time.Second
)

var (
	errClientGone = errors.New("client disconnected")
	errClientSlow = errors.New("client send buffer full")
)

// newUpgrader builds an upgrader that accepts non-browser clients (no Origin)
// and browsers from the allowed origins. An empty list allows any origin.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || lo.Contains(allowedOrigins, "*")
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return lo.Contains(allowedOrigins, origin)
		},
	}
}

// wsClient is a session.ClientChannel backed by a websocket connection.
type wsClient struct {
	id       string
	tenantID string
	conn     *websocket.Conn
	send     chan []byte
	commands chan Frame
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

func (c *wsClient) ID() string { return c.id }

// Emit queues ev for the write loop. It never blocks: a gone client gets
// errClientGone and a client that stopped reading gets errClientSlow.
func (c *wsClient) Emit(ev session.ClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Frame{Event: ev.Name(), Data: data})
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClientGone
	default:
		return errClientSlow
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// handleWebSocket upgrades an authenticated request and runs the client until it goes away.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	upgrader := newUpgrader(g.config.Server.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "tenant_id", authCtx.TenantID, "error", err)
		return
	}

	c := &wsClient{
		id:       uuid.New().String(),
		tenantID: authCtx.TenantID,
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
		commands: make(chan Frame, wsCommandBuffer),
		done:     make(chan struct{}),
		logger:   g.logger.With("tenant_id", authCtx.TenantID),
	}
	c.logger.Info("client connected", "client_id", c.id, "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.writeLoop(c)
	}()
	go func() {
		defer wg.Done()
		g.commandLoop(ctx, c)
	}()

	g.readLoop(c)

	c.close()
	cancel()
	wg.Wait()
	_ = conn.Close()

	detachCtx, detachCancel := context.WithTimeout(context.Background(), wsDetachTimeout)
	defer detachCancel()
	g.sessions.Detach(detachCtx, c.tenantID, c)
	c.logger.Info("client disconnected", "client_id", c.id)
}

// readLoop decodes frames and hands them to the command loop in arrival order.
func (g *Gateway) readLoop(c *wsClient) {
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("client read error", "client_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Event == "" {
			c.logger.Warn("invalid frame from client", "client_id", c.id)
			_ = c.Emit(session.CommandError{Error: "invalid frame"})
			continue
		}

		select {
		case c.commands <- frame:
		case <-c.done:
			return
		}
	}
}

// commandLoop dispatches one command at a time so a tenant's commands keep their order.
func (g *Gateway) commandLoop(ctx context.Context, c *wsClient) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.commands:
			if err := g.facade.Dispatch(ctx, c.tenantID, c, frame.Event, frame.Data); err != nil {
				c.logger.Debug("command failed", "client_id", c.id, "command", frame.Event, "error", err)
			}
		}
	}
}

// writeLoop owns all writes to the connection, including keepalive pings.
func (g *Gateway) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("client write error", "client_id", c.id, "error", err)
				c.close()
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}
