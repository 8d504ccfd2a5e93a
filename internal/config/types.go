package config

import "swarm/internal/api"

// SwarmConfig is the top-level configuration structure for the swarm control
// plane.
type SwarmConfig struct {
	General       GeneralConfig    `yaml:"general"`
	Providers     []ProviderConfig `yaml:"providers,omitempty"`
	HealthMonitor HealthConfig     `yaml:"healthMonitor"`
	Migration     MigrationConfig  `yaml:"migration"`
}

// GeneralConfig holds settings shared by every subsystem.
type GeneralConfig struct {
	StateDir            string           `yaml:"stateDir,omitempty"`            // Root of on-disk state (default: ~/.vscode-remote-swarm)
	DefaultProviderType api.ProviderType `yaml:"defaultProviderType,omitempty"` // Used when a caller omits the provider type
	LoadStateOnStartup  *bool            `yaml:"loadStateOnStartup,omitempty"`  // Registry loads files at init (default: true)
	AutoSaveIntervalMs  *int             `yaml:"autoSaveIntervalMs,omitempty"`  // 0 disables the periodic resave (default: 60000)
}

// ProviderConfig describes one infrastructure driver entry.
type ProviderConfig struct {
	Type    api.ProviderType       `yaml:"type"`
	Enabled bool                   `yaml:"enabled"`
	Config  map[string]interface{} `yaml:"config,omitempty"` // Passed through to the driver
}

// RecoveryActions is the auto-recovery playbook, evaluated in the order
// restart, recreate, migrate.
type RecoveryActions struct {
	Restart  bool `yaml:"restart"`
	Recreate bool `yaml:"recreate"`
	Migrate  bool `yaml:"migrate"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Enabled             *bool            `yaml:"enabled,omitempty"`             // Turn the scheduler on/off (default: true)
	CheckIntervalMs     *int             `yaml:"checkIntervalMs,omitempty"`     // Tick period; 0 disables the scheduler (default: 60000)
	AutoRecover         *bool            `yaml:"autoRecover,omitempty"`         // Auto-invoke recovery on unhealthy (default: true)
	MaxRecoveryAttempts *int             `yaml:"maxRecoveryAttempts,omitempty"` // Advisory cap per instance (default: 3)
	HistorySize         *int             `yaml:"historySize,omitempty"`         // Ring-buffer length per instance (default: 10)
	RecoveryActions     *RecoveryActions `yaml:"recoveryActions,omitempty"`     // Default: restart only
}

// MigrationConfig configures the migration manager.
type MigrationConfig struct {
	Enabled         *bool                 `yaml:"enabled,omitempty"`         // Gate the migration APIs (default: true)
	DefaultStrategy api.MigrationStrategy `yaml:"defaultStrategy,omitempty"` // Default step recipe (default: stop_and_recreate)
	TimeoutMs       *int                  `yaml:"timeoutMs,omitempty"`       // Default plan timeout (default: 300000)
}
