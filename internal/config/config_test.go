package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "embedded", cfg.Database.Mode)
	assert.Equal(t, "BAAI/bge-small-en-v1.5", cfg.Embedding.ModelName)
	assert.Equal(t, "Global", cfg.Memory.DefaultScope)
	assert.True(t, cfg.Memory.AutoCreateScope)
	assert.Equal(t, 180, cfg.Memory.RetentionDays)
	assert.Equal(t, 3, cfg.Server.MaxRetryAttempts)
	assert.Equal(t, time.Second, cfg.Server.RetryDelay())
	assert.Equal(t, 3, cfg.Server.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Server.ResetTimeout())
	assert.False(t, cfg.Backup.Enabled)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  mode: external
  uri: postgres://localhost/memory
memory:
  default_scope: Workspace
  retention_days: 30
server:
  max_retry_attempts: 5
`), 0o640))

	cfg, err := LoadConfigFrom([]string{path})
	require.NoError(t, err)

	assert.Equal(t, "external", cfg.Database.Mode)
	assert.Equal(t, "postgres://localhost/memory", cfg.Database.URI)
	assert.Equal(t, "Workspace", cfg.Memory.DefaultScope)
	assert.Equal(t, 30, cfg.Memory.RetentionDays)
	assert.Equal(t, 5, cfg.Server.MaxRetryAttempts)
	// Untouched sections keep defaults.
	assert.Equal(t, 1000, cfg.Embedding.CacheSize)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfigFrom([]string{filepath.Join(t.TempDir(), "nope.yaml")})
	require.NoError(t, err)
	assert.Equal(t, "embedded", cfg.Database.Mode)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: ["), 0o640))

	_, err := LoadConfigFrom([]string{path})
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEMORY_DATABASE_MODE", "external")
	t.Setenv("MEMORY_DATABASE_URI", "postgres://env/memory")
	t.Setenv("MEMORY_DEFAULT_SCOPE", "FromEnv")
	t.Setenv("MEMORY_EMBEDDING_TEST_MODE", "true")
	t.Setenv("MEMORY_RETENTION_DAYS", "14")

	cfg, err := LoadConfigFrom([]string{filepath.Join(t.TempDir(), "nope.yaml")})
	require.NoError(t, err)

	assert.Equal(t, "external", cfg.Database.Mode)
	assert.Equal(t, "postgres://env/memory", cfg.Database.URI)
	assert.Equal(t, "FromEnv", cfg.Memory.DefaultScope)
	assert.True(t, cfg.Embedding.TestMode)
	assert.Equal(t, 14, cfg.Memory.RetentionDays)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Mode = "external"
	assert.Error(t, cfg.Validate(), "external mode requires a URI")

	cfg = DefaultConfig()
	cfg.Database.Mode = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Database.Path = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Memory.DefaultScope = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Server.MaxRetryAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Embedding.CacheSize = 0
	assert.Error(t, cfg.Validate())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "x"), ExpandHome("~/x"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	assert.Equal(t, "rel/path", ExpandHome("rel/path"))
}
