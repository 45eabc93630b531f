package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.HaikuModel)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.SonnetModel)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.OpenRouter.BaseURL)
	assert.Equal(t, "google/gemini-2.5-flash", cfg.OpenRouter.Model)
	assert.Equal(t, "routing.yaml", cfg.Routing.ConfigPath)
	assert.Equal(t, 4, cfg.Pipeline.BatchWidth)
	assert.Equal(t, 24576, cfg.Pipeline.MaxChunkBytes)
	assert.InDelta(t, 0.01, cfg.Pipeline.Tolerance, 0.0001)
	assert.False(t, cfg.Pipeline.PauseOnClarify)
	assert.Equal(t, 256, cfg.Pipeline.EventBuffer)
	assert.InDelta(t, 0.90, cfg.Clarify.AutoAccept, 0.0001)
	assert.InDelta(t, 0.75, cfg.Clarify.Suggest, 0.0001)
	assert.InDelta(t, 0.70, cfg.Clarify.LowConfidence, 0.0001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  database_url: diligence.db
log:
  level: debug
  format: console
server:
  port: 9090
pipeline:
  batch_width: 8
  pause_on_clarify: true
clarify:
  auto_accept: 0.95
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "diligence.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Pipeline.BatchWidth)
	assert.True(t, cfg.Pipeline.PauseOnClarify)
	assert.InDelta(t, 0.95, cfg.Clarify.AutoAccept, 0.0001)

	// File overrides leave untouched defaults intact.
	assert.Equal(t, 24576, cfg.Pipeline.MaxChunkBytes)
	assert.InDelta(t, 0.75, cfg.Clarify.Suggest, 0.0001)
}

func TestLoadBadYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))

	err := InitLogger(LogConfig{Level: "verbose", Format: "json"})
	require.Error(t, err)
}
