package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
openai_key: sk-test
model: gpt-4o-mini
redis:
  addr: redis:6379
session:
  max_turns: 50
  chat_policy:
    rate_per_minute: 10
    burst: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.OpenAIKey)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 50, cfg.Session.MaxTurns)
	assert.Equal(t, 10, cfg.Session.ChatPolicy.RatePerMinute)

	// Unset fields fall back to defaults.
	assert.Equal(t, 14*24*time.Hour, cfg.Session.MaxAge)
	assert.Equal(t, 120_000, cfg.Session.MaxChars)
	assert.Equal(t, 30*time.Second, cfg.Session.ImmediateThreshold)
	assert.Equal(t, 8080, cfg.HTTPPort)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "openai_key: [broken")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_RequiresKey(t *testing.T) {
	cfg := Default()
	cfg.OpenAIKey = ""
	assert.Error(t, cfg.Validate())
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 300, cfg.Session.MaxTurns)
	assert.Equal(t, 24*time.Hour, cfg.Session.MaintenancePeriod)
	assert.Equal(t, 3, cfg.Session.SchedulePolicy.Burst)
}
