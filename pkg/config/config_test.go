package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerworks/tiller/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.Load()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 30*time.Second, cfg.GracePeriod)
	assert.Equal(t, 300*time.Second, cfg.ApprovalTimeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TILLER_STORE_DRIVER", "redis")
	t.Setenv("TILLER_MAX_CONCURRENCY", "16")
	t.Setenv("TILLER_GRACE_PERIOD", "5s")
	t.Setenv("TILLER_TELEMETRY", "true")

	cfg := config.Load()
	assert.Equal(t, "redis", cfg.StoreDriver)
	assert.Equal(t, 16, cfg.MaxConcurrency)
	assert.Equal(t, 5*time.Second, cfg.GracePeriod)
	assert.True(t, cfg.Telemetry)
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("TILLER_MAX_CONCURRENCY", "not-a-number")
	t.Setenv("TILLER_GRACE_PERIOD", "-3s")

	cfg := config.Load()
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 30*time.Second, cfg.GracePeriod)
}

func TestLoadWorkerProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: local
agents:
  test-runner: ["go", "test", "./..."]
  code-review: ["scripts/review.sh"]
rate_per_second: 2
`), 0o644))

	profile, err := config.LoadWorkerProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "local", profile.Name)
	assert.Equal(t, []string{"go", "test", "./..."}, profile.Agents["test-runner"])
	assert.Equal(t, 1, profile.Burst)
}

func TestLoadWorkerProfileRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: empty\n"), 0o644))

	_, err := config.LoadWorkerProfile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no agents")
}
