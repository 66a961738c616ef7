// ABOUTME: Gateway orchestrator that coordinates the HTTP, websocket and gRPC health servers
// ABOUTME: Wires store, credentials, protocol driver and session manager and owns their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/credstore"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/protocol/matrix"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/store"
)

// HealthService is the name reported by the gRPC health service.
const HealthService = "relay.Gateway"

// CredentialStore is the credential persistence the gateway owns and closes.
type CredentialStore interface {
	session.CredentialStore
	Close() error
}

// Components are the collaborators a Gateway runs on. New builds them from
// config; tests hand in fakes through NewWithComponents.
type Components struct {
	Store       store.Store
	Credentials CredentialStore
	Driver      protocol.Driver
	// Registry receives the gateway's collectors. Nil creates a private registry.
	Registry *prometheus.Registry
}

// Gateway orchestrates the relay-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	creds       CredentialStore
	driver      protocol.Driver
	dedupe      *dedupe.Cache
	metrics     *metrics.Metrics
	sessions    *session.Manager
	verifier    auth.TokenVerifier
	facade      *Facade
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates the chat store, honouring RELAY_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initDriver builds the configured protocol driver.
func initDriver(cfg *config.Config, logger *slog.Logger) (protocol.Driver, error) {
	switch cfg.Protocol.Driver {
	case "matrix":
		m := cfg.Protocol.Matrix
		return matrix.New(matrix.Config{
			Homeserver:      m.Homeserver,
			DeviceName:      m.DeviceName,
			CallbackURL:     m.CallbackURL,
			PairingRefresh:  m.PairingRefresh,
			PairingAttempts: m.PairingAttempts,
			Encryption:      m.Encryption,
			DataDir:         m.DataDir,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown protocol driver %q", cfg.Protocol.Driver)
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	creds, err := credstore.Open(cfg.Credentials.Path)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	driver, err := initDriver(cfg, logger)
	if err != nil {
		_ = creds.Close()
		_ = s.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return NewWithComponents(cfg, Components{
		Store:       s,
		Credentials: creds,
		Driver:      driver,
		Registry:    reg,
	}, logger)
}

// sessionConfig maps the sessions section onto the supervisor settings.
func sessionConfig(cfg *config.Config) session.Config {
	s := cfg.Sessions
	maxAttempts := session.DefaultReconnectPolicy().MaxAttempts
	if s.MaxReconnectAttempts != nil {
		maxAttempts = *s.MaxReconnectAttempts
	}
	return session.Config{
		Reconnect: session.ReconnectPolicy{
			InitialInterval: s.ReconnectInitial,
			MaxInterval:     s.ReconnectMax,
			Multiplier:      s.ReconnectMultiplier,
			MaxAttempts:     maxAttempts,
		},
		DetachPolicy:  session.DetachPolicy(s.DetachPolicy),
		LogoutTimeout: s.LogoutTimeout,
		SendTimeout:   s.SendTimeout,
	}
}

// createGRPCServer creates the gRPC server with keepalive settings and the health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// NewWithComponents creates a Gateway around already constructed collaborators.
// The gateway takes ownership of them and closes them on Shutdown.
func NewWithComponents(cfg *config.Config, c Components, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience),
	)
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	reg := c.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)
	dedupeCache := dedupe.New(cfg.Sessions.DedupeTTL, cfg.Sessions.DedupeMaxEntries)

	sessions := session.NewManager(sessionConfig(cfg), session.Deps{
		Driver:      c.Driver,
		Credentials: c.Credentials,
		Store:       c.Store,
		Dedupe:      dedupeCache,
		Metrics:     m,
		Logger:      logger,
	})

	grpcServer, hs := createGRPCServer()

	gw := &Gateway{
		config:     cfg,
		store:      c.Store,
		creds:      c.Credentials,
		driver:     c.Driver,
		dedupe:     dedupeCache,
		metrics:    m,
		sessions:   sessions,
		verifier:   verifier,
		facade:     NewFacade(sessions, logger),
		grpcServer: grpcServer,
		health:     hs,
		logger:     logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// pairingCallbacker is implemented by drivers that finish pairing through an HTTP redirect.
type pairingCallbacker interface {
	PairingCallback() http.Handler
}

// routes builds the HTTP handler: health, metrics, pairing callback, REST API and websocket.
func (g *Gateway) routes(reg *prometheus.Registry) http.Handler {
	router := mux.NewRouter()
	router.Use(g.metricsMiddleware)

	// Health endpoints - no auth required
	router.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", g.handleReady).Methods(http.MethodGet)

	if g.config.Metrics.Enabled {
		router.Handle(g.config.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	if pc, ok := g.driver.(pairingCallbacker); ok {
		router.Handle("/pair/"+g.driver.Name()+"/callback", pc.PairingCallback()).Methods(http.MethodGet)
	}

	authMiddleware := auth.HTTPAuthMiddleware(g.verifier, g.logger)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware)
	api.HandleFunc("/chats", g.handleListChats).Methods(http.MethodGet)
	api.HandleFunc("/chats/{chatID}", g.handleDeleteChat).Methods(http.MethodDelete)
	api.HandleFunc("/chats/{chatID}/messages", g.handleChatMessages).Methods(http.MethodGet)
	api.HandleFunc("/session", g.handleGetSession).Methods(http.MethodGet)

	router.Handle("/ws", authMiddleware(http.HandlerFunc(g.handleWebSocket)))

	c := cors.New(cors.Options{
		AllowedOrigins:   g.config.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(router)
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Sessions exposes the session manager.
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or the error of the server that failed.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown with a fresh context, since Run's is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Sessions.LogoutTimeout
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, then every session (without logging anyone
// out), then releases the stores. Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown(ctx) })
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "session shutdown", g.sessions.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "credential store close", g.creds.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", len(g.sessions.Sessions()))
}
