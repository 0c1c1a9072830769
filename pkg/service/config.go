package service

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Audit    AuditConfig    `yaml:"audit"`
	Admin    AdminConfig    `yaml:"admin"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// DatabaseConfig configures the shared connection pool.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SandboxConfig configures session and execution limits.
type SandboxConfig struct {
	SessionTTL       time.Duration `yaml:"session_ttl"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	MaxRows          int           `yaml:"max_rows"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SweepBatch       int           `yaml:"sweep_batch"`
}

// AuditConfig configures the execution trail.
type AuditConfig struct {
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// AdminConfig configures the admin API surface.
type AdminConfig struct {
	// APIKeys lists accepted admin keys. A key starting with "$2" is
	// treated as a bcrypt hash; anything else is compared directly.
	APIKeys []string `yaml:"api_keys"`
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by
// the operator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults applies default values to the config.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Sandbox.SessionTTL == 0 {
		cfg.Sandbox.SessionTTL = 30 * time.Minute
	}
	if cfg.Sandbox.StatementTimeout == 0 {
		cfg.Sandbox.StatementTimeout = 3 * time.Second
	}
	if cfg.Sandbox.MaxRows == 0 {
		cfg.Sandbox.MaxRows = 500
	}
	if cfg.Sandbox.SweepInterval == 0 {
		cfg.Sandbox.SweepInterval = time.Minute
	}
	if cfg.Sandbox.SweepBatch == 0 {
		cfg.Sandbox.SweepBatch = 100
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 30
	}
	if cfg.Audit.CleanupInterval == 0 {
		cfg.Audit.CleanupInterval = time.Hour
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	if c.Sandbox.StatementTimeout < 0 {
		errs = append(errs, "sandbox.statement_timeout must not be negative")
	}
	if c.Sandbox.MaxRows < 0 {
		errs = append(errs, "sandbox.max_rows must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
