package provider

import (
	"fmt"
	"sort"
	"sync"

	"swarm/internal/api"
)

// Constructor builds a driver from its provider-scoped configuration map.
type Constructor func(cfg map[string]interface{}) (Provider, error)

var (
	factoryMu    sync.RWMutex
	constructors = make(map[api.ProviderType]Constructor)
)

// Register makes a driver constructor available to the factory. Drivers call
// this from their package init; registering the same type twice panics, as
// that is always a wiring bug.
func Register(providerType api.ProviderType, ctor Constructor) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if _, exists := constructors[providerType]; exists {
		panic(fmt.Sprintf("provider type %s registered twice", providerType))
	}
	constructors[providerType] = ctor
}

// New constructs a driver for the given type.
func New(providerType api.ProviderType, cfg map[string]interface{}) (Provider, error) {
	factoryMu.RLock()
	ctor, ok := constructors[providerType]
	factoryMu.RUnlock()

	if !ok {
		return nil, api.NewProviderNotFoundError(providerType)
	}
	return ctor(cfg)
}

// RegisteredTypes returns the known driver kinds in stable order.
func RegisteredTypes() []api.ProviderType {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	types := make([]api.ProviderType, 0, len(constructors))
	for t := range constructors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
