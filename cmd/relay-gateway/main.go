// ABOUTME: Entry point for the relay-gateway server and its operator subcommands
// ABOUTME: serve runs the gateway; token, health and sessions are small local helpers

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/gateway"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                                 _
 _ __ ___| | __ _ _   _        __ _  __ _| |_ _____      ____ _ _   _
| '__/ _ \ |/ _' | | | |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | |  __/ | (_| | |_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_|  \___|_|\__,_|\__, |      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                  |___/       |___/                             |___/
`

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: relay-gateway <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                        Start the gateway server")
	fmt.Fprintln(w, "  token --tenant ID [--ttl D]  Mint a client token for a tenant")
	fmt.Fprintln(w, "  health                       Check gateway health")
	fmt.Fprintln(w, "  sessions                     Show the session for $RELAY_TOKEN")
}

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "sessions":
		err = runSessions(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (string, *config.Config, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return configPath, nil, fmt.Errorf("loading config: %w", err)
	}
	return configPath, cfg, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	configPath, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := setupLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	defer closeLog()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Protocol:  %s\n", cfg.Protocol.Driver)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting relay-gateway",
		"config", configPath,
		"driver", cfg.Protocol.Driver,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runToken mints a bearer token signed with the configured secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	tenant := fs.String("tenant", "", "tenant ID the token is issued for")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tenantID := strings.TrimSpace(*tenant)
	if tenantID == "" {
		return errors.New("--tenant is required")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	return writeToken(cfg.Auth, tenantID, *ttl, out)
}

func writeToken(cfg config.AuthConfig, tenantID string, ttl time.Duration, out io.Writer) error {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret),
		auth.WithIssuer(cfg.Issuer),
		auth.WithAudience(cfg.Audience),
	)
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	token, err := verifier.Generate(tenantID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	_, err = fmt.Fprintln(out, token)
	return err
}

func runHealth(ctx context.Context) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	body, status, err := get(ctx, fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr), "")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", status, body)
	}

	fmt.Println("healthy")
	return nil
}

func runSessions(ctx context.Context) error {
	token := os.Getenv("RELAY_TOKEN")
	if token == "" {
		return errors.New("RELAY_TOKEN is not set (mint one with: relay-gateway token --tenant ID)")
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	body, status, err := get(ctx, fmt.Sprintf("http://%s/api/session", cfg.Server.HTTPAddr), token)
	if err != nil {
		return fmt.Errorf("session lookup failed: %w", err)
	}
	if status == http.StatusNotFound {
		fmt.Println("no active session")
		return nil
	}
	if status != http.StatusOK {
		return fmt.Errorf("status %d: %s", status, body)
	}

	fmt.Println(string(body))
	return nil
}

// get performs a GET with an optional bearer token and returns the body and status.
func get(ctx context.Context, url, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}
