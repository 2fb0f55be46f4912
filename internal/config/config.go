// Package config provides centralized configuration management for tamagoyaki.
// Configuration is layered: built-in defaults, then a JSON file, then a .env
// file, then TAMAGOYAKI_* environment variables. The result is validated as a
// whole so that every problem is reported at once.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TAMAGOYAKI_"

// FileName is the config file looked up inside the working directory.
const FileName = "tamagoyaki.json"

// AppConfig represents the complete application configuration
type AppConfig struct {
	// WorkingDir holds the database, logs and the optional config file.
	WorkingDir string `json:"working_dir" env:"WORKING_DIR"`
	ConfigPath string `json:"-" env:"CONFIG_PATH"`

	Storage  StorageConfig  `json:"storage" envPrefix:"STORAGE_"`
	Exchange ExchangeConfig `json:"exchange" envPrefix:"EXCHANGE_"`
	Export   ExportConfig   `json:"export" envPrefix:"EXPORT_"`
	Logging  LoggingConfig  `json:"logging" envPrefix:"LOG_"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type        string `json:"type" env:"TYPE"`                 // "duckdb", "sqlite", "postgres", "memory"
	DatabaseURL string `json:"database_url" env:"DATABASE_URL"` // file path or DSN; defaults inside the working dir
	BatchSize   int    `json:"batch_size" env:"BATCH_SIZE"`     // rows per insert batch for gorm backends
}

// ExchangeConfig configures the trade archive provider
type ExchangeConfig struct {
	BaseURL     string            `json:"base_url" env:"BASE_URL"`
	RateLimit   int               `json:"rate_limit" env:"RATE_LIMIT"` // requests per minute
	Timeout     string            `json:"timeout" env:"TIMEOUT"`       // per-request HTTP timeout
	UserAgent   string            `json:"user_agent" env:"USER_AGENT"`
	RetryPolicy RetryPolicyConfig `json:"retry_policy" envPrefix:"RETRY_"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts  int    `json:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialDelay string `json:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     string `json:"max_delay" env:"MAX_DELAY"`
}

// ExportConfig holds generate defaults that flags can override.
type ExportConfig struct {
	OutputDir    string `json:"output_dir" env:"OUTPUT_DIR"`
	EmptyBuckets string `json:"empty_buckets" env:"EMPTY_BUCKETS"` // "carry" or "omit"
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level      string `json:"level" env:"LEVEL"`         // debug, info, warn, error
	Format     string `json:"format" env:"FORMAT"`       // json, text
	Output     string `json:"output" env:"OUTPUT"`       // stdout, stderr, file
	FilePath   string `json:"file_path" env:"FILE_PATH"` // used when output is file
	MaxSize    int    `json:"max_size" env:"MAX_SIZE"`   // megabytes
	MaxBackups int    `json:"max_backups" env:"MAX_BACKUPS"`
	MaxAge     int    `json:"max_age" env:"MAX_AGE"` // days
	Compress   bool   `json:"compress" env:"COMPRESS"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. An empty configPath
// means <working_dir>/tamagoyaki.json, which is optional.
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    ".env",
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables, including those from .env (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig() (*AppConfig, error) {
	// godotenv never overrides variables already present in the process.
	if err := cm.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", cm.envFile, err)
	}

	config := DefaultConfig()
	if wd, ok := os.LookupEnv(EnvPrefix + "WORKING_DIR"); ok && wd != "" {
		config.WorkingDir = wd
	}
	if wd, err := expandHome(config.WorkingDir); err == nil {
		config.WorkingDir = wd
	}

	path := cm.configPath
	explicit := path != ""
	if !explicit {
		if p, ok := os.LookupEnv(EnvPrefix + "CONFIG_PATH"); ok && p != "" {
			path, explicit = p, true
		} else {
			path = filepath.Join(config.WorkingDir, FileName)
		}
	}

	if err := cm.loadFromFile(config, path, explicit); err != nil {
		return nil, fmt.Errorf("failed to load config from file: %w", err)
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.resolvePaths(); err != nil {
		return nil, err
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	config.ConfigPath = path
	cm.logger.Debug("configuration loaded successfully",
		"config_path", path,
		"working_dir", config.WorkingDir,
		"storage_type", config.Storage.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

func (cm *ConfigManager) loadDotEnv() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(cm.envFile)
}

// loadFromFile loads configuration from a JSON file. A missing file is only
// an error when the path was given explicitly.
func (cm *ConfigManager) loadFromFile(config *AppConfig, path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		cm.logger.Debug("config file does not exist, using defaults", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", path)
	return nil
}

// loadFromEnv overlays TAMAGOYAKI_* environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return err
	}
	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// resolvePaths expands ~ and fills the defaults that live under the working dir.
func (c *AppConfig) resolvePaths() error {
	wd, err := expandHome(c.WorkingDir)
	if err != nil {
		return err
	}
	c.WorkingDir = wd

	if c.Storage.DatabaseURL == "" {
		switch c.Storage.Type {
		case "duckdb":
			c.Storage.DatabaseURL = filepath.Join(wd, "tamagoyaki.duckdb")
		case "sqlite":
			c.Storage.DatabaseURL = filepath.Join(wd, "tamagoyaki.sqlite")
		}
	} else if c.Storage.Type != "postgres" {
		if c.Storage.DatabaseURL, err = expandHome(c.Storage.DatabaseURL); err != nil {
			return err
		}
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join(wd, "logs", "tamagoyaki.log")
	} else if c.Logging.FilePath, err = expandHome(c.Logging.FilePath); err != nil {
		return err
	}

	if c.Export.OutputDir, err = expandHome(c.Export.OutputDir); err != nil {
		return err
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errs []string

	if config.WorkingDir == "" {
		errs = append(errs, "working_dir is required")
	}

	// Validate storage configuration
	validStorage := map[string]bool{"duckdb": true, "sqlite": true, "postgres": true, "memory": true}
	if !validStorage[config.Storage.Type] {
		errs = append(errs, "storage.type must be one of: duckdb, sqlite, postgres, memory")
	}
	if config.Storage.Type == "postgres" && config.Storage.DatabaseURL == "" {
		errs = append(errs, "storage.database_url is required for postgres storage")
	}
	if config.Storage.BatchSize <= 0 {
		errs = append(errs, "storage.batch_size must be greater than 0")
	}

	// Validate exchange configuration
	if !strings.HasPrefix(config.Exchange.BaseURL, "http://") && !strings.HasPrefix(config.Exchange.BaseURL, "https://") {
		errs = append(errs, "exchange.base_url must be an http(s) URL")
	}
	if config.Exchange.RateLimit <= 0 {
		errs = append(errs, "exchange.rate_limit must be greater than 0")
	}
	if _, err := time.ParseDuration(config.Exchange.Timeout); err != nil {
		errs = append(errs, fmt.Sprintf("exchange.timeout is not a valid duration: %v", err))
	}
	retry := config.Exchange.RetryPolicy
	if retry.MaxAttempts <= 0 {
		errs = append(errs, "exchange.retry_policy.max_attempts must be greater than 0")
	}
	if _, err := time.ParseDuration(retry.InitialDelay); err != nil {
		errs = append(errs, fmt.Sprintf("exchange.retry_policy.initial_delay is not a valid duration: %v", err))
	}
	if _, err := time.ParseDuration(retry.MaxDelay); err != nil {
		errs = append(errs, fmt.Sprintf("exchange.retry_policy.max_delay is not a valid duration: %v", err))
	}

	// Validate export configuration
	if config.Export.EmptyBuckets != "carry" && config.Export.EmptyBuckets != "omit" {
		errs = append(errs, "export.empty_buckets must be one of: carry, omit")
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[config.Logging.Output] {
		errs = append(errs, "logging.output must be one of: stdout, stderr, file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}

	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		WorkingDir: "~/.tamagoyaki_db",
		Storage: StorageConfig{
			Type:      "duckdb",
			BatchSize: 5000,
		},
		Exchange: ExchangeConfig{
			BaseURL:   "https://public.bybit.com/trading",
			RateLimit: 60,
			Timeout:   "120s",
			UserAgent: "tamagoyaki",
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:  4,
				InitialDelay: "1s",
				MaxDelay:     "30s",
			},
		},
		Export: ExportConfig{
			OutputDir:    ".",
			EmptyBuckets: "carry",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			MaxSize:    50, // 50MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
		},
	}
}

// TimeoutDuration returns the validated HTTP timeout.
func (e ExchangeConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(e.Timeout)
	return d
}

// Delays returns the initial and maximum backoff delays.
func (r RetryPolicyConfig) Delays() (initial, max time.Duration) {
	initial, _ = time.ParseDuration(r.InitialDelay)
	max, _ = time.ParseDuration(r.MaxDelay)
	return initial, max
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if c.Storage.Type == "postgres" && c.Storage.DatabaseURL != "" {
		sanitized.Storage.DatabaseURL = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
