package config

import (
	"fmt"

	"swarm/internal/api"
)

// Validate rejects configurations the control plane cannot run with. It is
// deliberately permissive about provider entries: unknown driver types are
// caught later by the provider factory so that configs can reference drivers
// compiled into other builds.
func Validate(cfg *SwarmConfig) error {
	if cfg.General.StateDir == "" {
		return fmt.Errorf("general.stateDir cannot be empty")
	}

	if v := cfg.General.AutoSaveIntervalMs; v != nil && *v < 0 {
		return fmt.Errorf("general.autoSaveIntervalMs cannot be negative")
	}
	if v := cfg.HealthMonitor.CheckIntervalMs; v != nil && *v < 0 {
		return fmt.Errorf("healthMonitor.checkIntervalMs cannot be negative")
	}
	if v := cfg.HealthMonitor.HistorySize; v != nil && *v < 1 {
		return fmt.Errorf("healthMonitor.historySize must be at least 1")
	}
	if v := cfg.HealthMonitor.MaxRecoveryAttempts; v != nil && *v < 0 {
		return fmt.Errorf("healthMonitor.maxRecoveryAttempts cannot be negative")
	}
	if v := cfg.Migration.TimeoutMs; v != nil && *v < 0 {
		return fmt.Errorf("migration.timeoutMs cannot be negative")
	}

	switch cfg.Migration.DefaultStrategy {
	case "", api.StrategyStopAndRecreate, api.StrategyCreateThenStop:
	default:
		return fmt.Errorf("migration.defaultStrategy %q is not a known strategy", cfg.Migration.DefaultStrategy)
	}

	seen := make(map[api.ProviderType]bool)
	for i, p := range cfg.Providers {
		if p.Type == "" {
			return fmt.Errorf("providers[%d].type cannot be empty", i)
		}
		if seen[p.Type] {
			return fmt.Errorf("providers[%d]: duplicate provider type %s", i, p.Type)
		}
		seen[p.Type] = true
	}

	return nil
}
