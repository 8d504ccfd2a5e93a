package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm/internal/api"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, *cfg.General.LoadStateOnStartup)
	assert.Equal(t, DefaultAutoSaveIntervalMs, *cfg.General.AutoSaveIntervalMs)
	assert.True(t, *cfg.HealthMonitor.Enabled)
	assert.Equal(t, DefaultCheckIntervalMs, *cfg.HealthMonitor.CheckIntervalMs)
	assert.Equal(t, DefaultHistorySize, *cfg.HealthMonitor.HistorySize)
	assert.True(t, cfg.HealthMonitor.RecoveryActions.Restart)
	assert.False(t, cfg.HealthMonitor.RecoveryActions.Recreate)
	assert.False(t, cfg.HealthMonitor.RecoveryActions.Migrate)
	assert.Equal(t, api.StrategyStopAndRecreate, cfg.Migration.DefaultStrategy)
	assert.Equal(t, DefaultMigrationTimeoutMs, *cfg.Migration.TimeoutMs)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.True(t, *cfg.HealthMonitor.Enabled)
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
general:
  stateDir: ` + dir + `
  defaultProviderType: flyio
healthMonitor:
  checkIntervalMs: 5000
  autoRecover: false
providers:
  - type: docker
    enabled: true
  - type: flyio
    enabled: false
migration:
  defaultStrategy: create_then_stop
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.General.StateDir)
	assert.Equal(t, api.ProviderType("flyio"), cfg.General.DefaultProviderType)
	assert.Equal(t, 5000, *cfg.HealthMonitor.CheckIntervalMs)
	assert.False(t, *cfg.HealthMonitor.AutoRecover)
	// Untouched fields keep their defaults.
	assert.True(t, *cfg.HealthMonitor.Enabled)
	assert.Equal(t, DefaultHistorySize, *cfg.HealthMonitor.HistorySize)
	assert.Equal(t, api.StrategyCreateThenStop, cfg.Migration.DefaultStrategy)
	require.Len(t, cfg.Providers, 2)
	assert.True(t, cfg.Providers[0].Enabled)
	assert.False(t, cfg.Providers[1].Enabled)
}

func TestLoad_MalformedFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("general: [broken"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SwarmConfig)
	}{
		{"empty state dir", func(c *SwarmConfig) { c.General.StateDir = "" }},
		{"negative auto save", func(c *SwarmConfig) { v := -1; c.General.AutoSaveIntervalMs = &v }},
		{"negative check interval", func(c *SwarmConfig) { v := -1; c.HealthMonitor.CheckIntervalMs = &v }},
		{"zero history size", func(c *SwarmConfig) { v := 0; c.HealthMonitor.HistorySize = &v }},
		{"unknown strategy", func(c *SwarmConfig) { c.Migration.DefaultStrategy = "teleport" }},
		{"duplicate providers", func(c *SwarmConfig) {
			c.Providers = []ProviderConfig{{Type: "docker", Enabled: true}, {Type: "docker", Enabled: false}}
		}},
		{"empty provider type", func(c *SwarmConfig) {
			c.Providers = []ProviderConfig{{Type: "", Enabled: true}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, Validate(&cfg))
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "x"), ExpandPath("~/x"))
	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, "/abs/path", ExpandPath("/abs/path"))
	assert.Equal(t, "relative", ExpandPath("relative"))
}
