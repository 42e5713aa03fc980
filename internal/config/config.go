// Package config provides configuration loading and management for sitelock.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mackeh/sitelock/internal/logging"
)

const (
	// DefaultStatusCode is the response code sent while the site is locked.
	DefaultStatusCode = 503
	// DefaultStatus is the status phrase sent while the site is locked.
	DefaultStatus = "Service Temporarily Unavailable"
	// DefaultExceptionMessage is the body sent while the site is locked.
	DefaultExceptionMessage = "Service Temporarily Unavailable"
	// DefaultServerAddr is where the admin API listens.
	DefaultServerAddr = "127.0.0.1:8470"
)

// Config represents the main sitelock configuration
type Config struct {
	Version       string           `yaml:"version"`
	Driver        DriverConfig     `yaml:"driver"`
	Authorized    AuthorizedConfig `yaml:"authorized"`
	Response      ResponseConfig   `yaml:"response"`
	Gate          GateConfig       `yaml:"gate"`
	Database      DatabaseConfig   `yaml:"database,omitempty"`
	Server        ServerConfig     `yaml:"server"`
	Logging       logging.Config   `yaml:"logging"`
	Telemetry     TelemetryConfig  `yaml:"telemetry"`
	Audit         AuditConfig      `yaml:"audit"`
	Notifications []NotifierConfig `yaml:"notifications,omitempty"`
	Secrets       SecretsConfig    `yaml:"secrets,omitempty"`
}

// DriverConfig selects the lock backend.
type DriverConfig struct {
	Class   string         `yaml:"class"`
	TTL     *int           `yaml:"ttl,omitempty"` // seconds
	Options map[string]any `yaml:"options"`
}

// AuthorizedConfig holds the bypass rules. Every pattern is a regular
// expression; empty patterns are ignored.
type AuthorizedConfig struct {
	Path       string            `yaml:"path,omitempty"`
	Host       string            `yaml:"host,omitempty"`
	IPs        []string          `yaml:"ips,omitempty"`
	Query      map[string]string `yaml:"query,omitempty"`
	Cookie     map[string]string `yaml:"cookie,omitempty"`
	Route      string            `yaml:"route,omitempty"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
	Roles      []string          `yaml:"roles,omitempty"`
	Policy     string            `yaml:"policy,omitempty"` // path to a .rego file
}

// ResponseConfig shapes the response sent to intercepted requests.
type ResponseConfig struct {
	Code             int    `yaml:"code"`
	Status           string `yaml:"status"`
	ExceptionMessage string `yaml:"exception_message"`
	Page             string `yaml:"page,omitempty"` // optional HTML file rendered instead of the message
}

// GateConfig tunes request evaluation.
type GateConfig struct {
	Debug      bool `yaml:"debug"`
	FailClosed bool `yaml:"fail_closed"`
}

// DatabaseConfig lists the named connections available to the database
// backend.
type DatabaseConfig struct {
	Connections map[string]ConnectionConfig `yaml:"connections,omitempty"`
}

// ConnectionConfig is a database/sql driver name and data source.
type ConnectionConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ServerConfig contains admin API and gated proxy settings
type ServerConfig struct {
	Addr     string     `yaml:"addr"`
	Upstream string     `yaml:"upstream,omitempty"` // gated reverse proxy target
	Auth     AuthConfig `yaml:"auth"`
}

// AuthConfig holds API key authentication configuration.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	Keys    []APIKey `yaml:"keys,omitempty"`
}

// APIKey maps a token to a role.
type APIKey struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
	Role  string `yaml:"role"`
}

// TelemetryConfig contains tracing settings.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`       // "file" (default), "stdout" or "none"
	File     string `yaml:"file,omitempty"` // trace file for the file exporter, default traces.json in the config dir
	// GateSampleRatio is the fraction of gate evaluations traced. Lock and
	// unlock spans are always kept.
	GateSampleRatio float64 `yaml:"gate_sample_ratio,omitempty"`
}

// AuditConfig controls the lock/unlock audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// NotifierConfig represents a notification channel from config.yaml.
type NotifierConfig struct {
	Type       string   `yaml:"type"`
	URL        string   `yaml:"url,omitempty"`
	Secret     string   `yaml:"secret,omitempty"`
	WebhookURL string   `yaml:"webhook_url,omitempty"`
	Events     []string `yaml:"events,omitempty"`
}

// SecretsConfig selects the secrets backend used for secret:NAME
// references.
type SecretsConfig struct {
	Backend string      `yaml:"backend,omitempty"` // "age" (default) or "vault"
	Dir     string      `yaml:"dir,omitempty"`
	Vault   VaultConfig `yaml:"vault,omitempty"`
}

// VaultConfig points at a Vault KV v2 mount.
type VaultConfig struct {
	Address  string `yaml:"address,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"` // env var holding the token, default VAULT_TOKEN
	Mount    string `yaml:"mount,omitempty"`
	Path     string `yaml:"path,omitempty"`
}

// DefaultConfigDir returns the default configuration directory path
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".sitelock"), nil
}

// Default returns a configuration using the file backend under dir.
func Default(dir string) *Config {
	cfg := &Config{
		Version: "1",
		Driver: DriverConfig{
			Class:   "file",
			Options: map[string]any{"file_path": filepath.Join(dir, "maintenance.lock")},
		},
		Audit: AuditConfig{Enabled: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Response.Code == 0 {
		c.Response.Code = DefaultStatusCode
	}
	if c.Response.Status == "" {
		c.Response.Status = DefaultStatus
	}
	if c.Response.ExceptionMessage == "" {
		c.Response.ExceptionMessage = DefaultExceptionMessage
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Logging.Level == "" {
		c.Logging = logging.DefaultConfig()
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "file"
	}
	if c.Secrets.Backend == "" {
		c.Secrets.Backend = "age"
	}
	if c.Driver.Options == nil {
		c.Driver.Options = map[string]any{}
	}
}

// Validate checks the fields that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Driver.Class == "" {
		return fmt.Errorf("driver.class must be set")
	}
	if c.Driver.TTL != nil && *c.Driver.TTL < 0 {
		return fmt.Errorf("driver.ttl must not be negative")
	}
	if c.Response.Code < 100 || c.Response.Code > 599 {
		return fmt.Errorf("response.code %d is not a valid HTTP status", c.Response.Code)
	}
	switch c.Telemetry.Exporter {
	case "file", "stdout", "none":
	default:
		return fmt.Errorf("telemetry.exporter %q must be file, stdout or none", c.Telemetry.Exporter)
	}
	if r := c.Telemetry.GateSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.gate_sample_ratio %v must be between 0 and 1", r)
	}
	for _, k := range c.Server.Auth.Keys {
		switch k.Role {
		case "admin", "operator", "viewer":
		default:
			return fmt.Errorf("server.auth key %q has unknown role %q", k.Name, k.Role)
		}
	}
	return nil
}

// Load reads the configuration from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// DefaultPath returns the config file path inside the default directory.
func DefaultPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LoadDefault loads configuration from the default path
func LoadDefault() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the specified path
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
