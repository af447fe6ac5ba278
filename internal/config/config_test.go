package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "intake.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.KeepWarmInterval)

	assert.Equal(t, "pcis-v2", cfg.Vision.Primary.ModelVersion)
	assert.Equal(t, "smolvlm-q4", cfg.Vision.Fallback.ModelVersion)
	assert.False(t, cfg.Verifier.Enabled)

	assert.Equal(t, 10*time.Second, cfg.Router.Primary.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Router.Fallback.Timeout)
	assert.InDelta(t, 2.0, cfg.Router.Primary.RateLimit, 0.001)

	assert.InDelta(t, 0.15, cfg.Resolver.FuzzyMargin, 0.001)
	assert.Equal(t, 10, cfg.Resolver.MaxCandidates)

	assert.InDelta(t, 0.92, cfg.Decision.Thresholds["common"], 0.001)
	assert.InDelta(t, 0.95, cfg.Decision.Thresholds["rare"], 0.001)
	assert.InDelta(t, 0.98, cfg.Decision.Thresholds["holo"], 0.001)
	assert.InDelta(t, 0.99, cfg.Decision.Thresholds["vintage"], 0.001)
	assert.InDelta(t, 1.01, cfg.Decision.Thresholds["high_value"], 0.001)
	assert.InDelta(t, 0.05, cfg.Decision.FallbackPenalty, 0.001)
	assert.Equal(t, 200, cfg.Decision.MaxAutoApprovalsPerHour)
	assert.Equal(t, time.Hour, cfg.Decision.RateWindow)

	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.PollInterval)

	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Monitoring.CheckInterval)
	assert.InDelta(t, 0.25, cfg.Monitoring.FlagRateThreshold, 0.001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/intake
log:
  level: debug
  format: console
server:
  port: 9090
decision:
  thresholds:
    common: 0.90
pipeline:
  workers: 8
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/intake", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.InDelta(t, 0.90, cfg.Decision.Thresholds["common"], 0.001)
	assert.Equal(t, 8, cfg.Pipeline.Workers)

	// Untouched defaults survive a partial file.
	assert.InDelta(t, 0.95, cfg.Decision.Thresholds["rare"], 0.001)
	assert.Equal(t, 10*time.Second, cfg.Router.Primary.Timeout)
}

func TestLoadFromEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("INTAKE_STORE_DRIVER", "postgres")
	t.Setenv("INTAKE_SERVER_PORT", "7070")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))

	err := InitLogger(LogConfig{Level: "not-a-level", Format: "json"})
	require.Error(t, err)
}
