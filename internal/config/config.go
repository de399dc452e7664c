// ABOUTME: Configuration loading and parsing for parlor-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parlor-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Credits  CreditsConfig  `yaml:"credits"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Memory   MemoryConfig   `yaml:"memory"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// CreditsConfig holds metering configuration.
// UnitCost is the fixed per-response cost; SensitiveSurchargePct is applied on
// top of the base estimate when the selection oracle flags the content.
type CreditsConfig struct {
	UnitCost              int64 `yaml:"unit_cost"`
	SensitiveSurchargePct int   `yaml:"sensitive_surcharge_pct"`
	SignupGrant           int64 `yaml:"signup_grant"`
}

// Dispatch strategies
const (
	StrategyQueued = "queued"
	StrategyInline = "inline"
)

// DispatchConfig selects the response dispatch strategy once per deployment.
type DispatchConfig struct {
	Strategy string `yaml:"strategy"` // "queued" or "inline"
	Workers  int    `yaml:"workers"`  // queued strategy worker count

	PollInterval    time.Duration `yaml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval"`
}

// MemoryConfig holds the compaction trigger configuration.
type MemoryConfig struct {
	CompactionThreshold int `yaml:"compaction_threshold"` // messages since last compaction
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

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in values that are optional in the YAML file.
func (c *Config) applyDefaults() {
	if c.Dispatch.Strategy == "" {
		c.Dispatch.Strategy = StrategyInline
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 4
	}
	if c.Credits.UnitCost == 0 {
		c.Credits.UnitCost = 5
	}
	if c.Memory.CompactionThreshold == 0 {
		c.Memory.CompactionThreshold = 200
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Dispatch.Strategy != StrategyQueued && c.Dispatch.Strategy != StrategyInline {
		return fmt.Errorf("dispatch.strategy must be %q or %q, got %q", StrategyQueued, StrategyInline, c.Dispatch.Strategy)
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1")
	}
	if c.Credits.UnitCost < 0 {
		return fmt.Errorf("credits.unit_cost must not be negative")
	}
	if c.Credits.SensitiveSurchargePct < 0 {
		return fmt.Errorf("credits.sensitive_surcharge_pct must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 24 * time.Hour
	}

	if cfg.Dispatch.PollIntervalRaw != "" {
		cfg.Dispatch.PollInterval, err = time.ParseDuration(cfg.Dispatch.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Dispatch.PollIntervalRaw, err)
		}
	}
	if cfg.Dispatch.PollInterval == 0 {
		cfg.Dispatch.PollInterval = 250 * time.Millisecond
	}

	return nil
}
