// Package api defines the shared domain types and error taxonomy of the swarm
// control plane.
//
// Every subsystem (registry, health monitor, migration manager, providers,
// controller) communicates through the types in this package so that no
// subsystem needs to import another one's internals. The package is
// intentionally dependency-free: plain structs, enumerated string tags, and
// typed errors.
//
// Persisted records (VSCodeInstance, InstanceHealth, MigrationPlan) carry
// their JSON shape here; the on-disk representation is the JSON encoding of
// these structs, pretty-printed by the storage layer.
package api
