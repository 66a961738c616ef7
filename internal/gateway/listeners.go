// ABOUTME: Tailscale tsnet listeners for running the gateway on a tailnet
// ABOUTME: Serves gRPC on :50051 and HTTP on :80, :443 with tailnet certs, or through Funnel

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/config"
)

// warnIgnoredAddresses flags listen addresses that a tailnet node does not use.
func (g *Gateway) warnIgnoredAddresses() {
	if srv := g.config.Server; srv.GRPCAddr != "" || srv.HTTPAddr != "" {
		g.logger.Warn("listen addresses ignored on the tailnet",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// resolveTailscaleStateDir defaults to $XDG_DATA_HOME/relay-gateway/tailscale.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "relay-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey prefers the configured key and falls back to TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// Tailnet ports. The node has its own address, so fixed ports replace
// server.grpc_addr and server.http_addr.
const (
	tailnetGRPCPort  = ":50051"
	tailnetHTTPPort  = ":80"
	tailnetHTTPSPort = ":443"
)

// tailnetHTTPMode names how HTTP is exposed on the tailnet: "funnel" is public
// HTTPS, "https" is tailnet-only TLS and "http" is plain.
func tailnetHTTPMode(ts config.TailscaleConfig) string {
	switch {
	case ts.Funnel:
		return "funnel"
	case ts.HTTPS:
		return "https"
	default:
		return "http"
	}
}

// setupTailscaleListeners joins the tailnet and returns listeners for gRPC and HTTP.
// On error everything opened so far is closed again.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	ts := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(ts.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(ts.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	node := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       stateDir,
		Ephemeral: ts.Ephemeral,
		AuthKey:   authKey,
	}
	defer func() {
		if err == nil {
			g.tsnetServer = node
			return
		}
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		_ = node.Close()
		grpcLn, httpLn = nil, nil
	}()

	g.logger.Info("joining tailnet", "hostname", ts.Hostname, "state_dir", stateDir, "ephemeral", ts.Ephemeral)
	status, err := node.Up(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(ts.Hostname, status)

	grpcLn, err = node.Listen("tcp", tailnetGRPCPort)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tailnetHTTPListener(node, tailnetHTTPMode(ts))
	return grpcLn, httpLn, err
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	attrs := []any{"hostname", hostname}
	if len(status.TailscaleIPs) > 0 {
		attrs = append(attrs, "tailscale_ip", status.TailscaleIPs[0].String())
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		attrs = append(attrs, "dns_name", status.Self.DNSName)
	}
	g.logger.Info("tailscale node ready", attrs...)
}

// tailnetHTTPListener opens the HTTP side of the node for the given mode.
func (g *Gateway) tailnetHTTPListener(node *tsnet.Server, mode string) (net.Listener, error) {
	g.logger.Info("exposing HTTP on the tailnet", "mode", mode)
	switch mode {
	case "funnel":
		ln, err := node.ListenFunnel("tcp", tailnetHTTPSPort)
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case "https":
		ln, err := node.Listen("tcp", tailnetHTTPSPort)
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := node.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		// Certificates are provisioned by the tailnet on first handshake.
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := node.Listen("tcp", tailnetHTTPPort)
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}
