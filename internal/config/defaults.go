package config

import (
	"os"
	"path/filepath"

	"swarm/internal/api"
)

const (
	// DefaultStateDirName is the directory under the user's home that holds
	// all persisted control-plane state.
	DefaultStateDirName = ".vscode-remote-swarm"

	DefaultAutoSaveIntervalMs  = 60000
	DefaultCheckIntervalMs     = 60000
	DefaultMaxRecoveryAttempts = 3
	DefaultHistorySize         = 10
	DefaultMigrationTimeoutMs  = 300000
)

// GetDefaultConfig returns the built-in configuration. Every optional field
// is populated so that merged configurations never carry nil pointers.
func GetDefaultConfig() SwarmConfig {
	return SwarmConfig{
		General: GeneralConfig{
			StateDir:           DefaultStateDir(),
			LoadStateOnStartup: boolPtr(true),
			AutoSaveIntervalMs: intPtr(DefaultAutoSaveIntervalMs),
		},
		HealthMonitor: HealthConfig{
			Enabled:             boolPtr(true),
			CheckIntervalMs:     intPtr(DefaultCheckIntervalMs),
			AutoRecover:         boolPtr(true),
			MaxRecoveryAttempts: intPtr(DefaultMaxRecoveryAttempts),
			HistorySize:         intPtr(DefaultHistorySize),
			RecoveryActions: &RecoveryActions{
				Restart:  true,
				Recreate: false,
				Migrate:  false,
			},
		},
		Migration: MigrationConfig{
			Enabled:         boolPtr(true),
			DefaultStrategy: api.StrategyStopAndRecreate,
			TimeoutMs:       intPtr(DefaultMigrationTimeoutMs),
		},
	}
}

// DefaultStateDir resolves ~/.vscode-remote-swarm, falling back to a relative
// directory when the home directory cannot be determined.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultStateDirName
	}
	return filepath.Join(home, DefaultStateDirName)
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }
