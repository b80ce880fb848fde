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
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "awardlink.db", cfg.Store.Path)
	assert.Equal(t, "manifest.yaml", cfg.Fetch.ManifestPath)
	assert.Equal(t, 3, cfg.Fetch.Parallel)
	assert.Equal(t, 30, cfg.Fetch.TimeoutSecs)
	assert.Equal(t, "lexical", cfg.Match.Scorer)
	assert.InDelta(t, 0.78, cfg.Match.AcceptThreshold, 0.001)
	assert.InDelta(t, 0.30, cfg.Match.PrefilterFloor, 0.001)
	assert.Equal(t, 5, cfg.Match.MaxCandidates)
	assert.Equal(t, 384, cfg.Embed.Dimension)
	assert.Equal(t, 4, cfg.Run.Workers)
	assert.Equal(t, 64, cfg.Run.QueueSize)
	assert.Equal(t, 5, cfg.Run.FailureCeiling)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/awardlink
match:
  scorer: embedding
  accept_threshold: 0.85
run:
  workers: 8
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/awardlink", cfg.Store.DatabaseURL)
	assert.Equal(t, "embedding", cfg.Match.Scorer)
	assert.InDelta(t, 0.85, cfg.Match.AcceptThreshold, 0.001)
	assert.Equal(t, 8, cfg.Run.Workers)

	// Unset keys keep their defaults.
	assert.Equal(t, 64, cfg.Run.QueueSize)
	assert.InDelta(t, 0.30, cfg.Match.PrefilterFloor, 0.001)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	t.Setenv("AWARDLINK_RUN_FAILURE_CEILING", "9")
	t.Setenv("AWARDLINK_STORE_DRIVER", "postgres")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Run.FailureCeiling)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
