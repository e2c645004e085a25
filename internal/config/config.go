// ABOUTME: Configuration loading and parsing for the branchline gateway
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when a field is left empty.
const (
	DefaultGRPCAddr        = "127.0.0.1:50061"
	DefaultDatabaseDriver  = "sqlite"
	DefaultSessionsDir     = "./sessions"
	DefaultMaxRetries      = 5
	DefaultRetryBaseDelay  = 5 * time.Second
	DefaultPairingTTL      = 60 * time.Second
	DefaultInitTimeout     = 2 * time.Minute
	DefaultSendTimeout     = 30 * time.Second
	DefaultTeardownTimeout = 15 * time.Second
	DefaultHistoryLimit    = 10
	DefaultCacheSize       = 1024
	DefaultReplyTimeout    = 20 * time.Second
	DefaultDedupeTTL       = 10 * time.Minute
	DefaultAutoPairDelay   = 2 * time.Second
)

// Config represents the complete branchline configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Conversation ConversationConfig `yaml:"conversation"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds the operational gRPC listener address
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
}

// DatabaseConfig holds database configuration.
// Driver selects the database/sql driver: "sqlite" (pure Go) or "sqlite3" (cgo).
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// SessionsConfig controls the session pool and its on-disk artifacts.
type SessionsConfig struct {
	Dir           string `yaml:"dir"`
	IdentityFile  string `yaml:"identity_file"`
	MaxRetries    int    `yaml:"max_retries"`
	RestoreOnBoot *bool  `yaml:"restore_on_boot"`

	RetryBaseDelay  time.Duration `yaml:"-"`
	PairingTTL      time.Duration `yaml:"-"`
	InitTimeout     time.Duration `yaml:"-"`
	SendTimeout     time.Duration `yaml:"-"`
	TeardownTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RetryBaseDelayRaw  string `yaml:"retry_base_delay"`
	PairingTTLRaw      string `yaml:"pairing_ttl"`
	InitTimeoutRaw     string `yaml:"init_timeout"`
	SendTimeoutRaw     string `yaml:"send_timeout"`
	TeardownTimeoutRaw string `yaml:"teardown_timeout"`
}

// ShouldRestore reports whether sessions that were live before a restart are started again.
func (s SessionsConfig) ShouldRestore() bool {
	return s.RestoreOnBoot == nil || *s.RestoreOnBoot
}

// ChannelsConfig selects and configures the channel driver.
type ChannelsConfig struct {
	Driver   string         `yaml:"driver"`
	Matrix   MatrixConfig   `yaml:"matrix"`
	Loopback LoopbackConfig `yaml:"loopback"`
}

// MatrixConfig holds the Matrix driver configuration. Each branch owns one bot account.
type MatrixConfig struct {
	Homeserver string                   `yaml:"homeserver"`
	Accounts   map[string]MatrixAccount `yaml:"accounts"`
}

// MatrixAccount is the bot login for a single branch.
type MatrixAccount struct {
	UserID   string `yaml:"user_id"`
	Password string `yaml:"password"`
}

// LoopbackConfig configures the in-process simulator driver.
type LoopbackConfig struct {
	AutoPairDelay    time.Duration `yaml:"-"`
	AutoPairDelayRaw string        `yaml:"auto_pair_delay"`
}

// ConversationConfig controls the inbound message router.
type ConversationConfig struct {
	HistoryLimit int `yaml:"history_limit"`
	CacheSize    int `yaml:"cache_size"`

	ReplyTimeout    time.Duration `yaml:"-"`
	DedupeTTL       time.Duration `yaml:"-"`
	ReplyTimeoutRaw string        `yaml:"reply_timeout"`
	DedupeTTLRaw    string        `yaml:"dedupe_ttl"`
}

// CatalogConfig points at the TOML branch catalog imported at startup.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
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
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = DefaultGRPCAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	s := &c.Sessions
	if s.Dir == "" {
		s.Dir = DefaultSessionsDir
	}
	if s.IdentityFile == "" {
		s.IdentityFile = filepath.Join(s.Dir, "identity.age")
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	setDuration(&s.RetryBaseDelay, DefaultRetryBaseDelay)
	setDuration(&s.PairingTTL, DefaultPairingTTL)
	setDuration(&s.InitTimeout, DefaultInitTimeout)
	setDuration(&s.SendTimeout, DefaultSendTimeout)
	setDuration(&s.TeardownTimeout, DefaultTeardownTimeout)

	if c.Channels.Driver == "" {
		c.Channels.Driver = "loopback"
	}
	setDuration(&c.Channels.Loopback.AutoPairDelay, DefaultAutoPairDelay)

	conv := &c.Conversation
	if conv.HistoryLimit == 0 {
		conv.HistoryLimit = DefaultHistoryLimit
	}
	if conv.CacheSize == 0 {
		conv.CacheSize = DefaultCacheSize
	}
	setDuration(&conv.ReplyTimeout, DefaultReplyTimeout)
	setDuration(&conv.DedupeTTL, DefaultDedupeTTL)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Sessions.MaxRetries < 0 {
		return fmt.Errorf("sessions.max_retries must not be negative")
	}
	if c.Conversation.HistoryLimit < 1 {
		return fmt.Errorf("conversation.history_limit must be at least 1")
	}

	switch c.Channels.Driver {
	case "loopback":
	case "matrix":
		if c.Channels.Matrix.Homeserver == "" {
			return fmt.Errorf("channels.matrix.homeserver is required for the matrix driver")
		}
		for branch, acct := range c.Channels.Matrix.Accounts {
			if acct.UserID == "" || acct.Password == "" {
				return fmt.Errorf("channels.matrix.accounts.%s needs user_id and password", branch)
			}
		}
	default:
		return fmt.Errorf("channels.driver must be matrix or loopback, got %q", c.Channels.Driver)
	}

	return nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"sessions.retry_base_delay", cfg.Sessions.RetryBaseDelayRaw, &cfg.Sessions.RetryBaseDelay},
		{"sessions.pairing_ttl", cfg.Sessions.PairingTTLRaw, &cfg.Sessions.PairingTTL},
		{"sessions.init_timeout", cfg.Sessions.InitTimeoutRaw, &cfg.Sessions.InitTimeout},
		{"sessions.send_timeout", cfg.Sessions.SendTimeoutRaw, &cfg.Sessions.SendTimeout},
		{"sessions.teardown_timeout", cfg.Sessions.TeardownTimeoutRaw, &cfg.Sessions.TeardownTimeout},
		{"channels.loopback.auto_pair_delay", cfg.Channels.Loopback.AutoPairDelayRaw, &cfg.Channels.Loopback.AutoPairDelay},
		{"conversation.reply_timeout", cfg.Conversation.ReplyTimeoutRaw, &cfg.Conversation.ReplyTimeout},
		{"conversation.dedupe_ttl", cfg.Conversation.DedupeTTLRaw, &cfg.Conversation.DedupeTTL},
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
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}

// DefaultPath resolves the config location: BRANCHLINE_CONFIG, then
// $XDG_CONFIG_HOME/branchline/gateway.yaml, then ~/.config/branchline/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("BRANCHLINE_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "branchline", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "branchline", "gateway.yaml")
}

// Starter is the commented configuration written by `branchline init`.
const Starter = `# branchline gateway configuration
server:
  grpc_addr: "127.0.0.1:50061"

database:
  driver: "sqlite"        # sqlite (pure Go) or sqlite3 (cgo)
  path: "./branchline.db"

sessions:
  dir: "./sessions"        # per-branch artifacts live in <dir>/branch_<id>
  max_retries: 5
  retry_base_delay: "5s"   # delay = base * (retry + 1)
  pairing_ttl: "60s"
  init_timeout: "2m"
  send_timeout: "30s"
  teardown_timeout: "15s"
  restore_on_boot: true

channels:
  driver: "loopback"       # loopback or matrix
  loopback:
    auto_pair_delay: "2s"
  matrix:
    homeserver: "https://matrix.example.org"
    accounts:
      centro:
        user_id: "@centro-bot:example.org"
        password: "${BRANCHLINE_CENTRO_PASSWORD}"

conversation:
  history_limit: 10
  cache_size: 1024
  reply_timeout: "20s"
  dedupe_ttl: "10m"

catalog:
  path: "./branches.toml"

logging:
  level: "info"
  format: "text"
`
