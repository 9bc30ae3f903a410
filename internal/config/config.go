// ABOUTME: Configuration loading and parsing for agentrelay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agentrelay configuration
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Directory   DirectoryConfig   `yaml:"directory"`
	Bus         BusConfig         `yaml:"bus"`
	Runner      RunnerConfig      `yaml:"runner"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DatabaseConfig holds message store configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`

	// IntegrityKey enables keyed integrity signatures on stored messages.
	// Empty disables signing.
	IntegrityKey string `yaml:"integrity_key"`
}

// DirectoryConfig points at the agent/type directory file
type DirectoryConfig struct {
	Path string `yaml:"path"`
}

// BusConfig holds communication layer timing configuration
type BusConfig struct {
	ConfirmTimeout  time.Duration `yaml:"-"`
	Retention       time.Duration `yaml:"-"`
	CleanupInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConfirmTimeoutRaw  string `yaml:"confirm_timeout"`
	RetentionRaw       string `yaml:"retention"`
	CleanupIntervalRaw string `yaml:"cleanup_interval"`
}

// RunnerConfig holds polling runner configuration
type RunnerConfig struct {
	AgentID          string   `yaml:"agent_id"`
	Capabilities     []string `yaml:"capabilities"`
	StatusEvery      int      `yaml:"status_every"`
	FailureThreshold int      `yaml:"failure_threshold"`

	PollInterval    time.Duration `yaml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval"`
}

// CredentialsConfig holds credential manager configuration
type CredentialsConfig struct {
	SecretsFile string   `yaml:"secrets_file"`
	Names       []string `yaml:"names"`

	CacheTTL    time.Duration `yaml:"-"`
	CacheTTLRaw string        `yaml:"cache_ttl"`
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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "agentrelay.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Bus.ConfirmTimeout < 0 {
		return fmt.Errorf("bus.confirm_timeout must not be negative")
	}
	if c.Bus.Retention < 0 {
		return fmt.Errorf("bus.retention must not be negative")
	}

	if c.Runner.AgentID != "" && c.Runner.PollInterval < 0 {
		return fmt.Errorf("runner.poll_interval must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Bus.ConfirmTimeoutRaw, "bus.confirm_timeout", &cfg.Bus.ConfirmTimeout},
		{cfg.Bus.RetentionRaw, "bus.retention", &cfg.Bus.Retention},
		{cfg.Bus.CleanupIntervalRaw, "bus.cleanup_interval", &cfg.Bus.CleanupInterval},
		{cfg.Runner.PollIntervalRaw, "runner.poll_interval", &cfg.Runner.PollInterval},
		{cfg.Credentials.CacheTTLRaw, "credentials.cache_ttl", &cfg.Credentials.CacheTTL},
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
