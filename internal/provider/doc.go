// Package provider defines the contract between the swarm control plane and
// its infrastructure drivers, plus the factory that constructs drivers from
// configuration.
//
// A driver owns the underlying resource (container, VM, volume, IP); the
// control plane owns the serialized instance record. The controller mutates
// instances only through the owning driver and then reconciles the registry
// with what the driver reports.
//
// Driver packages register themselves with the factory in their init
// function:
//
//	func init() {
//	    provider.Register(api.ProviderTypeDocker, func(cfg map[string]interface{}) (provider.Provider, error) {
//	        return New(cfg)
//	    })
//	}
//
// so that importing a driver package is all it takes to make its type
// available to configuration.
package provider
