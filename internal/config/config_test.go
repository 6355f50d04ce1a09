package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "0.0.0.0"
database:
  url: "postgres://localhost/newsletter"
tracking:
  base_url: "https://news.example.com"
  signing_key: "k"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "newsletter:jobs", cfg.Worker.QueueKey)
	assert.Equal(t, 6, cfg.Bounce.WindowHours)
	assert.Equal(t, 10, cfg.Dispatch.MaxTestRecipients)
	assert.Equal(t, 60, cfg.Scheduler.PollIntervalSeconds)
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, `
bounce:
  api_key: "postfix"
  api_secret: "s3cret"
  window_hours: 12
dispatch:
  max_test_recipients: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postfix", cfg.Bounce.APIKey)
	assert.Equal(t, 12, cfg.Bounce.WindowHours)
	assert.Equal(t, 3, cfg.Dispatch.MaxTestRecipients)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: "postgres://file/db"
`)

	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("TRACKING_SIGNING_KEY", "env-key")
	t.Setenv("PORT", "9090")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.Equal(t, "env-key", cfg.Tracking.SigningKey)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
