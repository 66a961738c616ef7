// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Credentials CredentialsConfig `yaml:"credentials" toml:"credentials"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Sessions    SessionsConfig    `yaml:"sessions" toml:"sessions"`
	Protocol    ProtocolConfig    `yaml:"protocol" toml:"protocol"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses and browser origin rules
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// AllowedOrigins applies to CORS and the websocket origin check. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve HTTP over TLS with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig points at the chat and message database
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// CredentialsConfig points at the per-tenant credential store
type CredentialsConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds identity token settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `yaml:"issuer" toml:"issuer"`
	Audience  string `yaml:"audience" toml:"audience"`
}

// SessionsConfig tunes the per-tenant session supervisors
type SessionsConfig struct {
	ReconnectInitial    time.Duration `yaml:"-" toml:"-"`
	ReconnectMax        time.Duration `yaml:"-" toml:"-"`
	DedupeTTL           time.Duration `yaml:"-" toml:"-"`
	LogoutTimeout       time.Duration `yaml:"-" toml:"-"`
	SendTimeout         time.Duration `yaml:"-" toml:"-"`
	ReconnectMultiplier float64       `yaml:"reconnect_multiplier" toml:"reconnect_multiplier"`

	// MaxReconnectAttempts caps consecutive reconnects; 0 means unlimited.
	// Nil when the key is absent, so an explicit 0 survives defaulting.
	MaxReconnectAttempts *int   `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	DetachPolicy         string `yaml:"detach_policy" toml:"detach_policy"`
	DedupeMaxEntries     int    `yaml:"dedupe_max_entries" toml:"dedupe_max_entries"`

	// Raw string values for unmarshaling
	ReconnectInitialRaw string `yaml:"reconnect_initial" toml:"reconnect_initial"`
	ReconnectMaxRaw     string `yaml:"reconnect_max" toml:"reconnect_max"`
	DedupeTTLRaw        string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
	LogoutTimeoutRaw    string `yaml:"logout_timeout" toml:"logout_timeout"`
	SendTimeoutRaw      string `yaml:"send_timeout" toml:"send_timeout"`
}

// ProtocolConfig selects and configures the messaging network driver
type ProtocolConfig struct {
	Driver string       `yaml:"driver" toml:"driver"`
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`
}

// MatrixConfig holds the Matrix driver settings
type MatrixConfig struct {
	Homeserver      string        `yaml:"homeserver" toml:"homeserver"`
	DeviceName      string        `yaml:"device_name" toml:"device_name"`
	CallbackURL     string        `yaml:"callback_url" toml:"callback_url"`
	PairingRefresh  time.Duration `yaml:"-" toml:"-"`
	PairingAttempts int           `yaml:"pairing_attempts" toml:"pairing_attempts"`
	Encryption      bool          `yaml:"encryption" toml:"encryption"`
	DataDir         string        `yaml:"data_dir" toml:"data_dir"`

	PairingRefreshRaw string `yaml:"pairing_refresh" toml:"pairing_refresh"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	// File, when set, receives a copy of the log stream with size-based rotation.
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Detach policies accepted in sessions.detach_policy.
const (
	DetachKeep     = "keep"
	DetachTeardown = "teardown"
)

// DefaultPath returns the config file location.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/gateway.yaml > ~/.config/relay/gateway.yaml
func DefaultPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "relay", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyDefaults fills every unset field that has a sensible default.
func (c *Config) applyDefaults() {
	s := &c.Sessions
	// An explicit "0s" reconnects eagerly, so only absent keys get defaults.
	if s.ReconnectInitialRaw == "" && s.ReconnectInitial == 0 {
		s.ReconnectInitial = 500 * time.Millisecond
	}
	if s.ReconnectMaxRaw == "" && s.ReconnectMax == 0 {
		s.ReconnectMax = 30 * time.Second
	}
	if s.ReconnectMultiplier == 0 {
		s.ReconnectMultiplier = 2
	}
	if s.MaxReconnectAttempts == nil {
		attempts := 20
		s.MaxReconnectAttempts = &attempts
	}
	if s.DetachPolicy == "" {
		s.DetachPolicy = DetachKeep
	}
	if s.DedupeTTL == 0 {
		s.DedupeTTL = 10 * time.Minute
	}
	if s.DedupeMaxEntries == 0 {
		s.DedupeMaxEntries = 10000
	}
	if s.LogoutTimeout == 0 {
		s.LogoutTimeout = 10 * time.Second
	}
	if s.SendTimeout == 0 {
		s.SendTimeout = 30 * time.Second
	}

	if c.Protocol.Driver == "" {
		c.Protocol.Driver = "matrix"
	}
	m := &c.Protocol.Matrix
	if m.DeviceName == "" {
		m.DeviceName = "relay-gateway"
	}
	if m.PairingRefresh == 0 {
		m.PairingRefresh = 60 * time.Second
	}
	if m.PairingAttempts == 0 {
		m.PairingAttempts = 5
	}
	if m.DataDir == "" && c.Database.Path != "" && c.Database.Path != ":memory:" {
		m.DataDir = filepath.Join(filepath.Dir(c.Database.Path), "crypto")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return errors.New("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return errors.New("server.http_addr is required (or enable tailscale)")
		}
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Credentials.Path == "" {
		return errors.New("credentials.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	s := c.Sessions
	if s.ReconnectMultiplier < 1 {
		return fmt.Errorf("sessions.reconnect_multiplier must be at least 1, got %v", s.ReconnectMultiplier)
	}
	if s.ReconnectMax < s.ReconnectInitial {
		return errors.New("sessions.reconnect_max must not be below sessions.reconnect_initial")
	}
	if s.DetachPolicy != DetachKeep && s.DetachPolicy != DetachTeardown {
		return fmt.Errorf("sessions.detach_policy must be %q or %q, got %q", DetachKeep, DetachTeardown, s.DetachPolicy)
	}
	if s.MaxReconnectAttempts != nil && *s.MaxReconnectAttempts < 0 {
		return fmt.Errorf("sessions.max_reconnect_attempts must not be negative (0 means unlimited), got %d", *s.MaxReconnectAttempts)
	}
	if s.DedupeMaxEntries < 0 {
		return errors.New("sessions.dedupe_max_entries must not be negative")
	}

	switch c.Protocol.Driver {
	case "matrix":
		if c.Protocol.Matrix.Homeserver == "" {
			return errors.New("protocol.matrix.homeserver is required")
		}
		if c.Protocol.Matrix.CallbackURL == "" {
			return errors.New("protocol.matrix.callback_url is required")
		}
		if c.Protocol.Matrix.Encryption && c.Protocol.Matrix.DataDir == "" {
			return errors.New("protocol.matrix.data_dir is required when encryption is enabled")
		}
	default:
		return fmt.Errorf("unknown protocol.driver %q", c.Protocol.Driver)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sessions.reconnect_initial", cfg.Sessions.ReconnectInitialRaw, &cfg.Sessions.ReconnectInitial},
		{"sessions.reconnect_max", cfg.Sessions.ReconnectMaxRaw, &cfg.Sessions.ReconnectMax},
		{"sessions.dedupe_ttl", cfg.Sessions.DedupeTTLRaw, &cfg.Sessions.DedupeTTL},
		{"sessions.logout_timeout", cfg.Sessions.LogoutTimeoutRaw, &cfg.Sessions.LogoutTimeout},
		{"sessions.send_timeout", cfg.Sessions.SendTimeoutRaw, &cfg.Sessions.SendTimeout},
		{"protocol.matrix.pairing_refresh", cfg.Protocol.Matrix.PairingRefreshRaw, &cfg.Protocol.Matrix.PairingRefresh},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
