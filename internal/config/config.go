// ABOUTME: Configuration loading and parsing for engine-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultHTTPAddr          = "127.0.0.1:8000"
	DefaultDatabaseDriver    = "sqlite"
	DefaultTokenTTL          = 7 * 24 * time.Hour
	DefaultMinPasswordLength = 6
	DefaultLocation          = "us-central1"
	DefaultRequestTimeout    = 180 * time.Second
	DefaultAgentCacheTTL     = 5 * time.Minute
	DefaultContextWindow     = 6
	DefaultHistoryLimit      = 50
	DefaultMaxHistoryLimit   = 100
	DefaultSaveTimeout       = 5 * time.Second
	DefaultSaveNoticeWindow  = 2 * time.Second

	// MinSecretLength is the minimum accepted JWT secret length in bytes.
	MinSecretLength = 32
)

// Config represents the complete engine-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Upstream     UpstreamConfig     `yaml:"upstream" toml:"upstream"`
	Agents       AgentsConfig       `yaml:"agents" toml:"agents"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	History      HistoryConfig      `yaml:"history" toml:"history"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr" toml:"http_addr"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Expose publicly over HTTPS via Funnel
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds credential and token configuration
type AuthConfig struct {
	JWTSecret         string `yaml:"jwt_secret" toml:"jwt_secret"`
	AllowedDomain     string `yaml:"allowed_domain" toml:"allowed_domain"`
	MinPasswordLength int    `yaml:"min_password_length" toml:"min_password_length"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// UpstreamConfig describes how to reach the reasoning service.
type UpstreamConfig struct {
	Project         string `yaml:"project" toml:"project"`
	Location        string `yaml:"location" toml:"location"`
	BaseURL         string `yaml:"base_url" toml:"base_url"` // overrides https://{location}-aiplatform.googleapis.com/v1
	CredentialsFile string `yaml:"credentials_file" toml:"credentials_file"`
	GeminiAPIKey    string `yaml:"gemini_api_key" toml:"gemini_api_key"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// StaticAgent is a statically configured agent used when discovery is
// unavailable and to give discovered engines stable names.
type StaticAgent struct {
	Name        string `yaml:"name" toml:"name"`
	DisplayName string `yaml:"display_name" toml:"display_name"`
	Description string `yaml:"description" toml:"description"`
	EngineID    string `yaml:"engine_id" toml:"engine_id"`
	Backend     string `yaml:"backend" toml:"backend"` // "reasoning_engine" (default) or "gemini"
}

// AgentsConfig holds agent registry configuration
type AgentsConfig struct {
	Discover bool          `yaml:"discover" toml:"discover"`
	Static   []StaticAgent `yaml:"static" toml:"static"`

	CacheTTL    time.Duration `yaml:"-" toml:"-"`
	CacheTTLRaw string        `yaml:"cache_ttl" toml:"cache_ttl"`
}

// ConversationConfig controls prompt context assembly
type ConversationConfig struct {
	Window int `yaml:"window" toml:"window"`
}

// HistoryConfig controls query history behaviour
type HistoryConfig struct {
	DefaultLimit int `yaml:"default_limit" toml:"default_limit"`
	MaxLimit     int `yaml:"max_limit" toml:"max_limit"`

	SaveTimeout         time.Duration `yaml:"-" toml:"-"`
	SaveNoticeWindow    time.Duration `yaml:"-" toml:"-"`
	SaveTimeoutRaw      string        `yaml:"save_timeout" toml:"save_timeout"`
	SaveNoticeWindowRaw string        `yaml:"save_notice_window" toml:"save_notice_window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// LoadDotEnv loads environment variables from the given .env files, or from
// ./.env when none are given. Missing files are ignored and variables already
// present in the environment are never overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes, applies defaults and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Auth.MinPasswordLength == 0 {
		c.Auth.MinPasswordLength = DefaultMinPasswordLength
	}
	c.Auth.AllowedDomain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Auth.AllowedDomain), "@"))
	if c.Upstream.Location == "" {
		c.Upstream.Location = DefaultLocation
	}
	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = DefaultRequestTimeout
	}
	if c.Agents.CacheTTL == 0 {
		c.Agents.CacheTTL = DefaultAgentCacheTTL
	}
	for i := range c.Agents.Static {
		if c.Agents.Static[i].Backend == "" {
			c.Agents.Static[i].Backend = "reasoning_engine"
		}
	}
	if c.Conversation.Window == 0 {
		c.Conversation.Window = DefaultContextWindow
	}
	if c.History.DefaultLimit == 0 {
		c.History.DefaultLimit = DefaultHistoryLimit
	}
	if c.History.MaxLimit == 0 {
		c.History.MaxLimit = DefaultMaxHistoryLimit
	}
	if c.History.SaveTimeout == 0 {
		c.History.SaveTimeout = DefaultSaveTimeout
	}
	if c.History.SaveNoticeWindow == 0 {
		c.History.SaveNoticeWindow = DefaultSaveNoticeWindow
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be \"sqlite\" or \"sqlite3\", got %q", c.Database.Driver)
	}

	if c.Auth.AllowedDomain == "" {
		return fmt.Errorf("auth.allowed_domain is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinSecretLength)
	}
	if c.Auth.MinPasswordLength < 1 || c.Auth.MinPasswordLength > 72 {
		return fmt.Errorf("auth.min_password_length must be between 1 and 72")
	}

	if c.Agents.Discover && c.Upstream.Project == "" && c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.project is required when agents.discover is enabled")
	}
	seen := make(map[string]bool, len(c.Agents.Static))
	for i, a := range c.Agents.Static {
		if a.Name == "" {
			return fmt.Errorf("agents.static[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents.static[%d]: duplicate agent name %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.Backend != "reasoning_engine" && a.Backend != "gemini" {
			return fmt.Errorf("agents.static[%d].backend must be \"reasoning_engine\" or \"gemini\"", i)
		}
	}

	if c.Conversation.Window < 0 {
		return fmt.Errorf("conversation.window must not be negative")
	}
	if c.History.DefaultLimit > c.History.MaxLimit {
		return fmt.Errorf("history.default_limit must not exceed history.max_limit")
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
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"upstream.request_timeout", cfg.Upstream.RequestTimeoutRaw, &cfg.Upstream.RequestTimeout},
		{"agents.cache_ttl", cfg.Agents.CacheTTLRaw, &cfg.Agents.CacheTTL},
		{"history.save_timeout", cfg.History.SaveTimeoutRaw, &cfg.History.SaveTimeout},
		{"history.save_notice_window", cfg.History.SaveNoticeWindowRaw, &cfg.History.SaveNoticeWindow},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
// Other paths, including ":memory:", are returned unchanged.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
