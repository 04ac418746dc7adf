// ABOUTME: Configuration loading and parsing for coven-rag
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-rag configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	OpenAI     OpenAIConfig     `yaml:"openai" toml:"openai"`
	Search     SearchConfig     `yaml:"search" toml:"search"`
	Approaches ApproachesConfig `yaml:"approaches" toml:"approaches"`
	Title      TitleConfig      `yaml:"title" toml:"title"`
	CORS       CORSConfig       `yaml:"cors" toml:"cors"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
	Events     EventsConfig     `yaml:"events" toml:"events"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	ReadHeaderTimeout time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReadHeaderTimeoutRaw string `yaml:"read_header_timeout" toml:"read_header_timeout"`
	ShutdownTimeoutRaw   string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	CertFile  string `yaml:"cert_file" toml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file" toml:"key_file"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverPebble   = "pebble"
	DriverMemory   = "memory"
)

// DatabaseConfig selects and configures the history store
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	// Path is the SQLite file or the Pebble directory.
	Path string `yaml:"path" toml:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" toml:"dsn"`
}

// AuthConfig holds caller identity configuration
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret" toml:"jwt_secret"`
	TrustEasyAuth bool   `yaml:"trust_easy_auth" toml:"trust_easy_auth"`
	Required      bool   `yaml:"required" toml:"required"`
	DefaultUserID string `yaml:"default_user_id" toml:"default_user_id"`
}

// OpenAIConfig configures the chat completion backend
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
	APIKey  string `yaml:"api_key" toml:"api_key"`
	Model   string `yaml:"model" toml:"model"`
	// APIVersion switches to Azure OpenAI; Model is then the deployment name.
	APIVersion string `yaml:"api_version" toml:"api_version"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// SearchConfig configures the retrieval backend
type SearchConfig struct {
	Endpoint     string `yaml:"endpoint" toml:"endpoint"`
	Index        string `yaml:"index" toml:"index"`
	APIKey       string `yaml:"api_key" toml:"api_key"`
	APIVersion   string `yaml:"api_version" toml:"api_version"`
	SourceField  string `yaml:"source_field" toml:"source_field"`
	ContentField string `yaml:"content_field" toml:"content_field"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// ApproachesConfig picks the approaches behind the stateless routes
type ApproachesConfig struct {
	Ask  string `yaml:"ask" toml:"ask"`
	Chat string `yaml:"chat" toml:"chat"`
}

// TitleConfig tunes title generation
type TitleConfig struct {
	Temperature *float64 `yaml:"temperature" toml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens" toml:"max_tokens"`
}

// CORSConfig holds cross-origin settings for browser clients
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins" toml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials" toml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age" toml:"max_age"`
}

// RateLimitConfig holds per-user request limits
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" toml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// EventsConfig configures conversation event fan-out
type EventsConfig struct {
	Redis RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig enables cross-instance event relay
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Channel  string `yaml:"channel" toml:"channel"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
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
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns COVEN_RAG_CONFIG, or rag.yaml under the XDG config dir.
func DefaultPath() string {
	if p := os.Getenv("COVEN_RAG_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "rag.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven", "rag.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnvOverrides(cfg *Config) {
	if p := os.Getenv("COVEN_RAG_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.OpenAI.BaseURL == "" {
		cfg.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o-mini"
	}
	if cfg.OpenAI.Timeout == 0 {
		cfg.OpenAI.Timeout = 60 * time.Second
	}
	if cfg.Search.Timeout == 0 {
		cfg.Search.Timeout = 15 * time.Second
	}
	if cfg.Approaches.Ask == "" {
		cfg.Approaches.Ask = "rtr"
	}
	if cfg.Approaches.Chat == "" {
		cfg.Approaches.Chat = "rrr"
	}
	if cfg.Title.Temperature == nil {
		t := 1.0
		cfg.Title.Temperature = &t
	}
	if cfg.Title.MaxTokens == 0 {
		cfg.Title.MaxTokens = 64
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
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

	switch c.driver() {
	case DriverSQLite, DriverPebble:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the %s driver", c.driver())
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, postgres, pebble, memory", c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.OpenAI.BaseURL != "" {
		if u, err := url.Parse(c.OpenAI.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("openai.base_url must be an http or https URL")
		}
	}

	for _, a := range []struct{ name, kind string }{
		{"approaches.ask", c.Approaches.Ask},
		{"approaches.chat", c.Approaches.Chat},
	} {
		name, kind := a.name, a.kind
		switch kind {
		case "", "chat":
		case "rtr", "rrr":
			if c.Search.Endpoint == "" {
				return fmt.Errorf("%s %q needs search.endpoint", name, kind)
			}
			if c.Search.Index == "" {
				return fmt.Errorf("%s %q needs search.index", name, kind)
			}
		default:
			return fmt.Errorf("%s %q is not one of rtr, rrr, chat", name, kind)
		}
	}

	if c.Title.MaxTokens < 0 {
		return fmt.Errorf("title.max_tokens must not be negative")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.requests_per_second and rate_limit.burst must be positive")
	}

	if c.Events.Redis.Enabled && c.Events.Redis.Addr == "" {
		return fmt.Errorf("events.redis.addr is required when redis is enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

func (c *Config) driver() string {
	if c.Database.Driver == "" {
		return DriverSQLite
	}
	return c.Database.Driver
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeoutRaw, &cfg.Server.ReadHeaderTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"openai.timeout", cfg.OpenAI.TimeoutRaw, &cfg.OpenAI.Timeout},
		{"search.timeout", cfg.Search.TimeoutRaw, &cfg.Search.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
