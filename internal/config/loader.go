package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"swarm/pkg/logging"

	"gopkg.in/yaml.v3"
)

// Load reads an optional YAML configuration file and merges it over the
// built-in defaults. An empty path or a missing file yields the defaults
// unchanged; a malformed file is an error.
func Load(path string) (SwarmConfig, error) {
	cfg := GetDefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Debug("Config", "No configuration file at %s, using defaults", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fileCfg SwarmConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	Merge(&cfg, &fileCfg)

	if err := Validate(&cfg); err != nil {
		return cfg, err
	}

	logging.Info("Config", "Loaded configuration from %s", path)
	return cfg, nil
}

// Merge overlays src onto dst: set fields in src win, unset fields keep the
// dst value. Provider entries replace the whole list when present.
func Merge(dst *SwarmConfig, src *SwarmConfig) {
	if src.General.StateDir != "" {
		dst.General.StateDir = ExpandPath(src.General.StateDir)
	}
	if src.General.DefaultProviderType != "" {
		dst.General.DefaultProviderType = src.General.DefaultProviderType
	}
	if src.General.LoadStateOnStartup != nil {
		dst.General.LoadStateOnStartup = src.General.LoadStateOnStartup
	}
	if src.General.AutoSaveIntervalMs != nil {
		dst.General.AutoSaveIntervalMs = src.General.AutoSaveIntervalMs
	}

	if len(src.Providers) > 0 {
		dst.Providers = src.Providers
	}

	if src.HealthMonitor.Enabled != nil {
		dst.HealthMonitor.Enabled = src.HealthMonitor.Enabled
	}
	if src.HealthMonitor.CheckIntervalMs != nil {
		dst.HealthMonitor.CheckIntervalMs = src.HealthMonitor.CheckIntervalMs
	}
	if src.HealthMonitor.AutoRecover != nil {
		dst.HealthMonitor.AutoRecover = src.HealthMonitor.AutoRecover
	}
	if src.HealthMonitor.MaxRecoveryAttempts != nil {
		dst.HealthMonitor.MaxRecoveryAttempts = src.HealthMonitor.MaxRecoveryAttempts
	}
	if src.HealthMonitor.HistorySize != nil {
		dst.HealthMonitor.HistorySize = src.HealthMonitor.HistorySize
	}
	if src.HealthMonitor.RecoveryActions != nil {
		dst.HealthMonitor.RecoveryActions = src.HealthMonitor.RecoveryActions
	}

	if src.Migration.Enabled != nil {
		dst.Migration.Enabled = src.Migration.Enabled
	}
	if src.Migration.DefaultStrategy != "" {
		dst.Migration.DefaultStrategy = src.Migration.DefaultStrategy
	}
	if src.Migration.TimeoutMs != nil {
		dst.Migration.TimeoutMs = src.Migration.TimeoutMs
	}
}

// ExpandPath resolves a leading ~ against the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}
