package registry

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"swarm/internal/api"
	"swarm/internal/storage"
	"swarm/pkg/logging"
)

const entityType = "instances"

// Options configures a Registry.
type Options struct {
	// Store is the backing state store; required.
	Store *storage.Store

	// LoadStateOnStartup makes Initialize load every persisted instance.
	LoadStateOnStartup bool

	// AutoSaveInterval schedules a periodic full resave as a defensive
	// flush; 0 disables it.
	AutoSaveInterval time.Duration

	// WatchStateDir starts a filesystem watcher that folds external edits
	// of instance files back into the catalogue.
	WatchStateDir bool
}

// Registry is the authoritative, durable catalogue of instances. It keeps
// two indices consistent under one lock: the id map and the
// provider-type index. File I/O happens outside the lock; every write is
// committed with rename so readers of the state directory never observe a
// half-written record.
type Registry struct {
	mu         sync.RWMutex
	instances  map[string]*api.VSCodeInstance
	byProvider map[api.ProviderType]map[string]bool

	store            *storage.Store
	loadOnStartup    bool
	autoSaveInterval time.Duration

	watcher *stateWatcher

	stopCh   chan struct{}
	doneCh   chan struct{}
	disposed bool
}

// New creates a Registry. Call Initialize before use.
func New(opts Options) *Registry {
	if opts.Store == nil {
		panic("Logic error: registry requires a store")
	}

	r := &Registry{
		instances:        make(map[string]*api.VSCodeInstance),
		byProvider:       make(map[api.ProviderType]map[string]bool),
		store:            opts.Store,
		loadOnStartup:    opts.LoadStateOnStartup,
		autoSaveInterval: opts.AutoSaveInterval,
	}
	if opts.WatchStateDir {
		r.watcher = newStateWatcher(opts.Store.Dir(entityType), r)
	}
	return r
}

// Initialize loads persisted state and starts the background tasks.
func (r *Registry) Initialize() error {
	if r.loadOnStartup {
		if err := r.loadAll(); err != nil {
			return err
		}
	}

	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	if r.autoSaveInterval > 0 {
		go r.autoSaveLoop()
	} else {
		close(r.doneCh)
	}

	if r.watcher != nil {
		if err := r.watcher.Start(); err != nil {
			// External-edit detection is a convenience, not a requirement.
			logging.Warn("Registry", "State watcher unavailable: %v", err)
			r.watcher = nil
		}
	}

	return nil
}

// loadAll reads every instance file. Malformed files are logged and skipped.
func (r *Registry) loadAll() error {
	names, err := r.store.List(entityType)
	if err != nil {
		return fmt.Errorf("failed to list persisted instances: %w", err)
	}

	loaded := 0
	for _, name := range names {
		var inst api.VSCodeInstance
		if err := r.store.LoadJSON(entityType, name, &inst); err != nil {
			logging.Warn("Registry", "Skipping unreadable instance file %s: %v", name, err)
			continue
		}
		if inst.ID == "" {
			logging.Warn("Registry", "Skipping instance file %s: missing id", name)
			continue
		}

		r.mu.Lock()
		r.indexLocked(&inst)
		r.mu.Unlock()
		loaded++
	}

	logging.Info("Registry", "Loaded %d instances from disk", loaded)
	return nil
}

// indexLocked inserts inst into both indices. Caller holds the write lock.
func (r *Registry) indexLocked(inst *api.VSCodeInstance) {
	if old, ok := r.instances[inst.ID]; ok && old.ProviderType != inst.ProviderType {
		delete(r.byProvider[old.ProviderType], inst.ID)
	}
	r.instances[inst.ID] = inst
	if r.byProvider[inst.ProviderType] == nil {
		r.byProvider[inst.ProviderType] = make(map[string]bool)
	}
	r.byProvider[inst.ProviderType][inst.ID] = true
}

// RegisterInstance inserts an instance, overwriting any record with the same
// id (last-writer-wins). UpdatedAt is stamped and the record is persisted.
func (r *Registry) RegisterInstance(inst *api.VSCodeInstance) error {
	if inst == nil || inst.ID == "" {
		return api.NewValidationError("instance", "instance id cannot be empty")
	}

	stored := inst.Clone()
	stored.UpdatedAt = time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}

	r.mu.Lock()
	r.indexLocked(stored)
	r.mu.Unlock()

	return r.persist(stored)
}

// UpdateInstance replaces an existing record. Unknown ids fail with
// NotFound. A provider-type change moves the id between provider index
// entries atomically.
func (r *Registry) UpdateInstance(inst *api.VSCodeInstance) error {
	if inst == nil || inst.ID == "" {
		return api.NewValidationError("instance", "instance id cannot be empty")
	}

	stored := inst.Clone()
	stored.UpdatedAt = time.Now().UTC()

	r.mu.Lock()
	if _, ok := r.instances[inst.ID]; !ok {
		r.mu.Unlock()
		return api.NewInstanceNotFoundError(inst.ID)
	}
	r.indexLocked(stored)
	r.mu.Unlock()

	return r.persist(stored)
}

// RemoveInstance deletes the record and its backing file. Returns true when
// a record was removed, false when the id was unknown.
func (r *Registry) RemoveInstance(id string) (bool, error) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
		delete(r.byProvider[inst.ProviderType], id)
		if len(r.byProvider[inst.ProviderType]) == 0 {
			delete(r.byProvider, inst.ProviderType)
		}
	}
	r.mu.Unlock()

	if !ok {
		return false, nil
	}

	if _, err := r.store.Delete(entityType, id); err != nil {
		return true, fmt.Errorf("instance %s removed but file deletion failed: %w", id, err)
	}
	return true, nil
}

// GetInstance returns a snapshot of the record, or nil when unknown.
func (r *Registry) GetInstance(id string) *api.VSCodeInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[id].Clone()
}

// ListInstances returns snapshots filtered by optional provider type and
// status; zero values match everything.
func (r *Registry) ListInstances(providerType api.ProviderType, status api.InstanceStatus) []*api.VSCodeInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*api.VSCodeInstance
	for _, inst := range r.instances {
		if providerType != "" && inst.ProviderType != providerType {
			continue
		}
		if status != "" && inst.Status != status {
			continue
		}
		out = append(out, inst.Clone())
	}
	return out
}

// GetInstanceCount returns the number of instances, optionally narrowed to
// one provider type. O(1) via the provider index.
func (r *Registry) GetInstanceCount(providerType api.ProviderType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if providerType == "" {
		return len(r.instances)
	}
	return len(r.byProvider[providerType])
}

// FindInstancesByName returns snapshots whose name matches the pattern.
func (r *Registry) FindInstancesByName(pattern string) ([]*api.VSCodeInstance, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, api.NewValidationError("pattern", "invalid name pattern: %v", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*api.VSCodeInstance
	for _, inst := range r.instances {
		if re.MatchString(inst.Name) {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

// FindInstancesByMetadata returns snapshots whose provider metadata carries
// the given key/value (flat keys, provider conventions).
func (r *Registry) FindInstancesByMetadata(key, value string) []*api.VSCodeInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*api.VSCodeInstance
	for _, inst := range r.instances {
		if metadataValue(&inst.Metadata, key) == value {
			out = append(out, inst.Clone())
		}
	}
	return out
}

func metadataValue(m *api.InstanceMetadata, key string) string {
	if m.Docker != nil && key == "containerId" {
		return m.Docker.ContainerID
	}
	if m.Fly != nil {
		switch key {
		case "appName":
			return m.Fly.AppName
		case "machineId":
			return m.Fly.MachineID
		case "volumeId":
			return m.Fly.VolumeID
		case "ipAddressId":
			return m.Fly.IPAddressID
		case "region":
			return m.Fly.Region
		}
	}
	return m.Extra[key]
}

// persist writes one record outside the lock.
func (r *Registry) persist(inst *api.VSCodeInstance) error {
	if err := r.store.SaveJSON(entityType, inst.ID, inst); err != nil {
		return fmt.Errorf("failed to persist instance %s: %w", inst.ID, err)
	}
	return nil
}

// autoSaveLoop periodically rewrites every record as a defensive flush.
func (r *Registry) autoSaveLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.autoSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.saveAll()
		case <-r.stopCh:
			return
		}
	}
}

// saveAll persists every instance; failures are logged, never fatal.
func (r *Registry) saveAll() {
	r.mu.RLock()
	snapshot := make([]*api.VSCodeInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		snapshot = append(snapshot, inst.Clone())
	}
	r.mu.RUnlock()

	for _, inst := range snapshot {
		if err := r.persist(inst); err != nil {
			logging.Error("Registry", err, "Auto-save failed for instance %s", inst.ID)
		}
	}
}

// reloadFromFile folds an externally modified instance file back into the
// catalogue. Called by the state watcher.
func (r *Registry) reloadFromFile(id string) {
	var inst api.VSCodeInstance
	if err := r.store.LoadJSON(entityType, id, &inst); err != nil {
		logging.Warn("Registry", "Ignoring unreadable external edit of instance %s: %v", id, err)
		return
	}
	if inst.ID != id {
		logging.Warn("Registry", "Ignoring external edit of %s: file id %s does not match", id, inst.ID)
		return
	}

	r.mu.Lock()
	r.indexLocked(&inst)
	r.mu.Unlock()
	logging.Info("Registry", "Reloaded externally modified instance %s", id)
}

// dropFromMemory removes an instance whose file was deleted externally.
func (r *Registry) dropFromMemory(id string) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
		delete(r.byProvider[inst.ProviderType], id)
		if len(r.byProvider[inst.ProviderType]) == 0 {
			delete(r.byProvider, inst.ProviderType)
		}
	}
	r.mu.Unlock()

	if ok {
		logging.Info("Registry", "Dropped instance %s after external file deletion", id)
	}
}

// Dispose stops the background tasks and performs a final resave. Safe to
// call more than once.
func (r *Registry) Dispose() error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil
	}
	r.disposed = true
	r.mu.Unlock()

	if r.watcher != nil {
		r.watcher.Stop()
	}
	if r.stopCh != nil {
		close(r.stopCh)
		<-r.doneCh
	}

	r.saveAll()
	return nil
}
