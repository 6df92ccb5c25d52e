package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	// Arrange
	cfg := Default()

	// Assert
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Transactions.MaxActive)
	assert.Equal(t, 5*time.Second, cfg.Conflicts.Window)
	assert.Equal(t, 100, cfg.History.MaxCount)
	assert.Equal(t, int64(10*1024*1024), cfg.History.MaxBytes)
	assert.Equal(t, 60*time.Second, cfg.Integrity.QuickInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.Backups.RetentionAge)
	assert.Equal(t, 50, cfg.Backups.MaxCount)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
environment: production
logLevel: warn
transactions:
  maxActive: 25
  defaultTimeout: 10s
conflicts:
  window: 2s
  maxResolutions: 100
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	// Act
	cfg, err := Load(path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, 25, cfg.Transactions.MaxActive)
	assert.Equal(t, 10*time.Second, cfg.Transactions.DefaultTimeout)
	assert.Equal(t, 2*time.Second, cfg.Conflicts.Window)
	// Untouched sections keep their defaults.
	assert.Equal(t, 100, cfg.History.MaxCount)
	assert.Equal(t, "backups", cfg.Backups.Dir)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transactions:\n  maxActive: 25\n"), 0o644))
	t.Setenv("NOTEKEEPER_TX_MAX_ACTIVE", "7")
	t.Setenv("NOTEKEEPER_CONFLICT_WINDOW", "3s")

	// Act
	cfg, err := Load(path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Transactions.MaxActive)
	assert.Equal(t, 3*time.Second, cfg.Conflicts.Window)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	// Arrange: zero active transactions can never make progress.
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transactions:\n  maxActive: 0\n"), 0o644))

	// Act
	_, err := Load(path)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoad_MissingFileFails(t *testing.T) {
	// Act
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	// Assert
	require.Error(t, err)
}

func TestValidate_RejectsUnknownEnvironment(t *testing.T) {
	// Arrange
	cfg := Default()
	cfg.Environment = "qa"

	// Act + Assert
	assert.Error(t, cfg.Validate())
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transactions: ["), 0o644))

	// Act
	_, err := Load(path)

	// Assert
	require.Error(t, err)
}
