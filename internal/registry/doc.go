// Package registry implements the authoritative instance catalogue of the
// swarm control plane.
//
// The catalogue is held in memory under a single lock with two indices (by
// id and by provider type) and persisted one-record-per-file as pretty JSON
// under <stateDir>/instances/. Mutations update the indices atomically and
// commit the file with rename, so readers of the state directory never see a
// half-written record. Reads hand out deep copies; callers never alias
// registry-internal state.
//
// Two background tasks keep the catalogue honest: a periodic full resave as
// a defensive flush, and a filesystem watcher that folds external edits of
// the state directory back into memory.
package registry
