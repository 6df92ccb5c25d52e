// Package config loads the consistency-core configuration from
// defaults, an optional YAML file, and environment variable overrides,
// in that priority order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// TransactionConfig controls the transaction manager.
type TransactionConfig struct {
	// MaxActive caps concurrently active transactions. Begin calls
	// past the cap fail immediately instead of queuing.
	MaxActive int `yaml:"maxActive" validate:"min=1"`
	// DefaultTimeout forces an automatic rollback if commit has not
	// happened before expiry.
	DefaultTimeout time.Duration `yaml:"defaultTimeout" validate:"min=1ms"`
}

// ConflictConfig controls conflict detection and resolution.
type ConflictConfig struct {
	// Window is how close together two changes must land to count as
	// simultaneous.
	Window time.Duration `yaml:"window" validate:"min=1ms"`
	// MaxResolutions caps the append-only resolution history.
	MaxResolutions int `yaml:"maxResolutions" validate:"min=1"`
}

// HistoryConfig controls version history retention.
type HistoryConfig struct {
	MaxCount int   `yaml:"maxCount" validate:"min=1"`
	MaxBytes int64 `yaml:"maxBytes" validate:"min=1024"`
	// SnapshotInterval takes a full snapshot every Nth version.
	SnapshotInterval int `yaml:"snapshotInterval" validate:"min=1"`
	// LogPath is the JSON metadata log rehydrated after restart.
	// Empty disables persistence.
	LogPath string `yaml:"logPath"`
}

// IntegrityConfig controls the background monitoring loop.
type IntegrityConfig struct {
	QuickInterval time.Duration `yaml:"quickInterval" validate:"min=1s"`
	FullInterval  time.Duration `yaml:"fullInterval" validate:"min=1m"`
}

// BackupConfig controls the backup/restore service.
type BackupConfig struct {
	Dir          string        `yaml:"dir" validate:"required"`
	RetentionAge time.Duration `yaml:"retentionAge" validate:"min=1h"`
	MaxCount     int           `yaml:"maxCount" validate:"min=1"`
}

// NotifierConfig controls collaborator notification buffering.
type NotifierConfig struct {
	BufferSize int `yaml:"bufferSize" validate:"min=1"`
}

// Config holds all consistency-core configuration.
type Config struct {
	Environment string `yaml:"environment" validate:"oneof=development staging production"`
	LogLevel    string `yaml:"logLevel" validate:"oneof=debug info warn error"`

	Transactions TransactionConfig `yaml:"transactions"`
	Conflicts    ConflictConfig    `yaml:"conflicts"`
	History      HistoryConfig     `yaml:"history"`
	Integrity    IntegrityConfig   `yaml:"integrity"`
	Backups      BackupConfig      `yaml:"backups"`
	Notifier     NotifierConfig    `yaml:"notifier"`

	EnableMetrics   bool   `yaml:"enableMetrics"`
	EnableTracing   bool   `yaml:"enableTracing"`
	TracingEndpoint string `yaml:"tracingEndpoint"`
}

// Default returns the built-in configuration. Values mirror the
// documented defaults: 10 active transactions, a 5s conflict window,
// 100 versions / 10MB of history, 60s quick checks, hourly full
// checks, 30-day / 50-backup retention.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Transactions: TransactionConfig{
			MaxActive:      10,
			DefaultTimeout: 30 * time.Second,
		},
		Conflicts: ConflictConfig{
			Window:         5 * time.Second,
			MaxResolutions: 500,
		},
		History: HistoryConfig{
			MaxCount:         100,
			MaxBytes:         10 * 1024 * 1024,
			SnapshotInterval: 20,
			LogPath:          "",
		},
		Integrity: IntegrityConfig{
			QuickInterval: 60 * time.Second,
			FullInterval:  time.Hour,
		},
		Backups: BackupConfig{
			Dir:          "backups",
			RetentionAge: 30 * 24 * time.Hour,
			MaxCount:     50,
		},
		Notifier: NotifierConfig{
			BufferSize: 64,
		},
		EnableMetrics: true,
	}
}

// Load builds configuration from defaults, then the YAML file at path
// (if non-empty), then environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvironment()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsDevelopment checks if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// applyEnvironment overlays environment variables on top of file and
// default values.
func (c *Config) applyEnvironment() {
	c.Environment = getEnv("NOTEKEEPER_ENVIRONMENT", c.Environment)
	c.LogLevel = getEnv("NOTEKEEPER_LOG_LEVEL", c.LogLevel)

	c.Transactions.MaxActive = getEnvInt("NOTEKEEPER_TX_MAX_ACTIVE", c.Transactions.MaxActive)
	c.Transactions.DefaultTimeout = getEnvDuration("NOTEKEEPER_TX_TIMEOUT", c.Transactions.DefaultTimeout)

	c.Conflicts.Window = getEnvDuration("NOTEKEEPER_CONFLICT_WINDOW", c.Conflicts.Window)

	c.History.MaxCount = getEnvInt("NOTEKEEPER_HISTORY_MAX_COUNT", c.History.MaxCount)
	c.History.MaxBytes = int64(getEnvInt("NOTEKEEPER_HISTORY_MAX_BYTES", int(c.History.MaxBytes)))
	c.History.LogPath = getEnv("NOTEKEEPER_HISTORY_LOG", c.History.LogPath)

	c.Integrity.QuickInterval = getEnvDuration("NOTEKEEPER_INTEGRITY_QUICK_INTERVAL", c.Integrity.QuickInterval)
	c.Integrity.FullInterval = getEnvDuration("NOTEKEEPER_INTEGRITY_FULL_INTERVAL", c.Integrity.FullInterval)

	c.Backups.Dir = getEnv("NOTEKEEPER_BACKUP_DIR", c.Backups.Dir)
	c.Backups.RetentionAge = getEnvDuration("NOTEKEEPER_BACKUP_RETENTION", c.Backups.RetentionAge)
	c.Backups.MaxCount = getEnvInt("NOTEKEEPER_BACKUP_MAX_COUNT", c.Backups.MaxCount)

	c.EnableMetrics = getEnvBool("NOTEKEEPER_ENABLE_METRICS", c.EnableMetrics)
	c.EnableTracing = getEnvBool("NOTEKEEPER_ENABLE_TRACING", c.EnableTracing)
	c.TracingEndpoint = getEnv("NOTEKEEPER_TRACING_ENDPOINT", c.TracingEndpoint)
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
