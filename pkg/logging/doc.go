// Package logging provides the process-wide structured logger for the swarm
// control plane.
//
// It wraps log/slog with a small subsystem-oriented API: every call names the
// subsystem that produced the entry so log output can be filtered per
// component (Registry, HealthMonitor, MigrationManager, ...).
//
// Call InitForCLI once at startup; before initialization all log calls are
// no-ops, which keeps library tests quiet by default.
package logging
