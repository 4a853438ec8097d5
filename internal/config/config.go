// Package config loads the engine configuration from a prioritized search
// path of YAML files with environment variable overrides. The first readable
// file wins; absent values take the documented defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigSearchPaths are probed in order; the first readable file is used.
var ConfigSearchPaths = []string{
	"./config/config.yaml",
	"~/.infinite-memory/config.yaml",
	"/etc/infinite-memory/config.yaml",
}

// Config represents the application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Server    ServerConfig    `mapstructure:"server"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig selects and parameterizes the document store backend.
type DatabaseConfig struct {
	// Mode is "embedded" (SQLite file under Path) or "external" (URI).
	Mode            string `mapstructure:"mode"`
	URI             string `mapstructure:"uri"`
	Path            string `mapstructure:"path"`
	MaxMemoryItems  int    `mapstructure:"max_memory_items"`
	MaxMemorySizeMB int    `mapstructure:"max_memory_size_mb"`
}

// EmbeddingConfig parameterizes the embedding service.
type EmbeddingConfig struct {
	ModelName    string `mapstructure:"model_name"`
	ModelPath    string `mapstructure:"model_path"`
	UseGPU       bool   `mapstructure:"use_gpu"`
	AsyncEnabled bool   `mapstructure:"async_enabled"`
	CacheSize    int    `mapstructure:"cache_size"`
	WorkerCount  int    `mapstructure:"worker_count"`
	QueueSize    int    `mapstructure:"queue_size"`
	// TestMode disables model loading; embeddings become deterministic
	// pseudo-random unit vectors seeded by the text's hash.
	TestMode bool `mapstructure:"test_mode"`
}

// MemoryConfig holds memory semantics defaults.
type MemoryConfig struct {
	DefaultScope    string `mapstructure:"default_scope"`
	AutoCreateScope bool   `mapstructure:"auto_create_scope"`
	RetentionDays   int    `mapstructure:"retention_days"`
}

// ServerConfig holds dispatcher tuning knobs.
type ServerConfig struct {
	MaxRetryAttempts         int     `mapstructure:"max_retry_attempts"`
	RetryDelaySeconds        float64 `mapstructure:"retry_delay_seconds"`
	FailureThreshold         int     `mapstructure:"failure_threshold"`
	ResetTimeoutSeconds      float64 `mapstructure:"reset_timeout_seconds"`
	SlowRequestThresholdSecs float64 `mapstructure:"slow_request_threshold_seconds"`
}

// RetryDelay returns the delay between handler retry attempts.
func (s *ServerConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds * float64(time.Second))
}

// ResetTimeout returns the circuit breaker cool-down window.
func (s *ServerConfig) ResetTimeout() time.Duration {
	return time.Duration(s.ResetTimeoutSeconds * float64(time.Second))
}

// SlowRequestThreshold returns the wall-time budget above which a request
// counts as slow.
func (s *ServerConfig) SlowRequestThreshold() time.Duration {
	return time.Duration(s.SlowRequestThresholdSecs * float64(time.Second))
}

// BackupConfig parameterizes snapshot backups.
type BackupConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	Frequency            string `mapstructure:"frequency"`
	Retention            int    `mapstructure:"retention"`
	Directory            string `mapstructure:"directory"`
	EncryptionEnabled    bool   `mapstructure:"encryption_enabled"`
	EncryptionPassphrase string `mapstructure:"encryption_passphrase"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Mode:            "embedded",
			URI:             "",
			Path:            "~/.infinite-memory/data",
			MaxMemoryItems:  100000,
			MaxMemorySizeMB: 500,
		},
		Embedding: EmbeddingConfig{
			ModelName:    "BAAI/bge-small-en-v1.5",
			ModelPath:    "",
			UseGPU:       false,
			AsyncEnabled: true,
			CacheSize:    1000,
			WorkerCount:  1,
			QueueSize:    256,
		},
		Memory: MemoryConfig{
			DefaultScope:    "Global",
			AutoCreateScope: true,
			RetentionDays:   180,
		},
		Server: ServerConfig{
			MaxRetryAttempts:         3,
			RetryDelaySeconds:        1.0,
			FailureThreshold:         3,
			ResetTimeoutSeconds:      60.0,
			SlowRequestThresholdSecs: 1.0,
		},
		Backup: BackupConfig{
			Enabled:   false,
			Frequency: "daily",
			Retention: 7,
			Directory: "~/.infinite-memory/backups",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from the search path and environment.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigSearchPaths)
}

// LoadConfigFrom loads configuration probing the given paths in order.
func LoadConfigFrom(paths []string) (*Config, error) {
	// Load .env if present so MEMORY_* overrides work in dev setups.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := DefaultConfig()

	for _, path := range paths {
		expanded := ExpandHome(path)
		data, err := os.ReadFile(expanded) // #nosec G304 -- fixed search path
		if err != nil {
			continue
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", expanded, err)
		}
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           cfg,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, fmt.Errorf("config decoder: %w", err)
		}
		if err := dec.Decode(raw); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", expanded, err)
		}
		break
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromEnv applies MEMORY_* environment overrides.
func loadFromEnv(cfg *Config) {
	if mode := os.Getenv("MEMORY_DATABASE_MODE"); mode != "" {
		cfg.Database.Mode = mode
	}
	if uri := os.Getenv("MEMORY_DATABASE_URI"); uri != "" {
		cfg.Database.URI = uri
	}
	if path := os.Getenv("MEMORY_DATABASE_PATH"); path != "" {
		cfg.Database.Path = path
	}
	if model := os.Getenv("MEMORY_EMBEDDING_MODEL"); model != "" {
		cfg.Embedding.ModelName = model
	}
	if modelPath := os.Getenv("MEMORY_EMBEDDING_MODEL_PATH"); modelPath != "" {
		cfg.Embedding.ModelPath = modelPath
	}
	if async := os.Getenv("MEMORY_EMBEDDING_ASYNC"); async != "" {
		if b, err := strconv.ParseBool(async); err == nil {
			cfg.Embedding.AsyncEnabled = b
		}
	}
	if size := os.Getenv("MEMORY_EMBEDDING_CACHE_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			cfg.Embedding.CacheSize = n
		}
	}
	if testMode := os.Getenv("MEMORY_EMBEDDING_TEST_MODE"); testMode != "" {
		if b, err := strconv.ParseBool(testMode); err == nil {
			cfg.Embedding.TestMode = b
		}
	}
	if scope := os.Getenv("MEMORY_DEFAULT_SCOPE"); scope != "" {
		cfg.Memory.DefaultScope = scope
	}
	if auto := os.Getenv("MEMORY_AUTO_CREATE_SCOPE"); auto != "" {
		if b, err := strconv.ParseBool(auto); err == nil {
			cfg.Memory.AutoCreateScope = b
		}
	}
	if retention := os.Getenv("MEMORY_RETENTION_DAYS"); retention != "" {
		if n, err := strconv.Atoi(retention); err == nil {
			cfg.Memory.RetentionDays = n
		}
	}
	if level := os.Getenv("MEMORY_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("MEMORY_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if file := os.Getenv("MEMORY_LOG_FILE"); file != "" {
		cfg.Logging.File = file
	}
	if backup := os.Getenv("MEMORY_BACKUP_ENABLED"); backup != "" {
		if b, err := strconv.ParseBool(backup); err == nil {
			cfg.Backup.Enabled = b
		}
	}
	if dir := os.Getenv("MEMORY_BACKUP_DIR"); dir != "" {
		cfg.Backup.Directory = dir
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Mode {
	case "embedded":
		if c.Database.Path == "" {
			return fmt.Errorf("database path required in embedded mode")
		}
	case "external":
		if c.Database.URI == "" {
			return fmt.Errorf("database URI required in external mode")
		}
	default:
		return fmt.Errorf("invalid database mode: %s", c.Database.Mode)
	}

	if c.Embedding.CacheSize <= 0 {
		return fmt.Errorf("embedding cache size must be positive")
	}
	if c.Embedding.WorkerCount <= 0 {
		return fmt.Errorf("embedding worker count must be positive")
	}
	if c.Memory.DefaultScope == "" {
		return fmt.Errorf("default scope cannot be empty")
	}
	if c.Server.MaxRetryAttempts < 1 {
		return fmt.Errorf("max retry attempts must be at least 1")
	}
	if c.Server.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1")
	}
	return nil
}

// GetDataDir returns the expanded data directory path, creating it if needed.
func (c *Config) GetDataDir() (string, error) {
	dir := ExpandHome(c.Database.Path)
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return absPath, nil
}

// ExpandHome expands a leading ~ to the current user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
