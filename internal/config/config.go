package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete strfeed configuration
type Config struct {
	Identity Identity `yaml:"identity"`
	Relays   Relays   `yaml:"relays"`
	Cache    Cache    `yaml:"cache"`
	Feeds    Feeds    `yaml:"feeds"`
	Logging  Logging  `yaml:"logging"`
}

// Identity contains the active account information
type Identity struct {
	Pubkey string `yaml:"pubkey"` // hex public key of the viewing account
}

// Relays contains the named relay sets and the connection policy
type Relays struct {
	User      []string    `yaml:"user"`
	Bootstrap []string    `yaml:"bootstrap"`
	Wallet    []string    `yaml:"wallet"`
	Upload    Upload      `yaml:"upload"`
	Policy    RelayPolicy `yaml:"policy"`
}

// Upload contains the bounded upload connection pool settings
type Upload struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

// RelayPolicy contains relay connection policies
type RelayPolicy struct {
	ConnectTimeoutMs int     `yaml:"connect_timeout_ms"`
	QueryTimeoutMs   int     `yaml:"query_timeout_ms"`
	PublishTimeoutMs int     `yaml:"publish_timeout_ms"`
	BackoffInitialMs int     `yaml:"backoff_initial_ms"`
	BackoffMaxMs     int     `yaml:"backoff_max_ms"`
	QueriesPerSecond float64 `yaml:"queries_per_second"`
	QueryBurst       int     `yaml:"query_burst"`
}

// Cache contains the local cache settings
type Cache struct {
	Path          string `yaml:"path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
}

// Feeds contains feed synchronization settings
type Feeds struct {
	PageSize         int  `yaml:"page_size"`
	VerifySignatures bool `yaml:"verify_signatures"`
}

// Logging contains logging settings
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads, defaults, env-overrides and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Relays.Policy.ConnectTimeoutMs == 0 {
		cfg.Relays.Policy.ConnectTimeoutMs = 10000
	}
	if cfg.Relays.Policy.QueryTimeoutMs == 0 {
		cfg.Relays.Policy.QueryTimeoutMs = 15000
	}
	if cfg.Relays.Policy.PublishTimeoutMs == 0 {
		cfg.Relays.Policy.PublishTimeoutMs = 10000
	}
	if cfg.Relays.Policy.BackoffInitialMs == 0 {
		cfg.Relays.Policy.BackoffInitialMs = 500
	}
	if cfg.Relays.Policy.BackoffMaxMs == 0 {
		cfg.Relays.Policy.BackoffMaxMs = 60000
	}
	if cfg.Relays.Policy.QueriesPerSecond == 0 {
		cfg.Relays.Policy.QueriesPerSecond = 10
	}
	if cfg.Relays.Policy.QueryBurst == 0 {
		cfg.Relays.Policy.QueryBurst = 20
	}
	if cfg.Relays.Upload.PoolSize == 0 {
		cfg.Relays.Upload.PoolSize = 2
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "strfeed.db"
	}
	if cfg.Cache.BusyTimeoutMs == 0 {
		cfg.Cache.BusyTimeoutMs = 5000
	}
	if cfg.Feeds.PageSize == 0 {
		cfg.Feeds.PageSize = 25
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func applyEnvOverrides(cfg *Config) {
	if pubkey := os.Getenv("STRFEED_PUBKEY"); pubkey != "" {
		cfg.Identity.Pubkey = pubkey
	}
	if path := os.Getenv("STRFEED_CACHE_PATH"); path != "" {
		cfg.Cache.Path = path
	}
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	cfg := &Config{
		Relays: Relays{
			Bootstrap: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
			},
		},
	}
	applyDefaults(cfg)
	return cfg
}

// Validate checks the configuration for errors
func Validate(cfg *Config) error {
	if cfg.Identity.Pubkey == "" {
		return fmt.Errorf("identity.pubkey is required")
	}
	if len(cfg.Identity.Pubkey) != 64 || strings.ToLower(cfg.Identity.Pubkey) != cfg.Identity.Pubkey {
		return fmt.Errorf("identity.pubkey must be a 64-char lowercase hex key")
	}

	if len(cfg.Relays.User) == 0 && len(cfg.Relays.Bootstrap) == 0 {
		return fmt.Errorf("at least one user or bootstrap relay is required")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", cfg.Logging.Format)
	}

	if cfg.Feeds.PageSize < 1 || cfg.Feeds.PageSize > 500 {
		return fmt.Errorf("feeds.page_size must be between 1 and 500")
	}

	return nil
}
