// Package controller implements the swarm controller: the facade that wires
// providers, registry, health monitor, and migration manager together and
// dispatches every control-plane operation to the right subsystem.
package controller

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"swarm/internal/api"
	"swarm/internal/config"
	"swarm/internal/health"
	"swarm/internal/migration"
	"swarm/internal/provider"
	"swarm/internal/registry"
	"swarm/internal/storage"
	"swarm/pkg/logging"
)

// Controller is the facade over the swarm control plane. Every public
// method rejects with api.ErrNotInitialized until Initialize has completed
// successfully.
type Controller struct {
	mu          sync.RWMutex
	initialized bool

	cfg       config.SwarmConfig
	providers map[api.ProviderType]provider.Provider

	store     *storage.Store
	registry  *registry.Registry
	health    *health.Monitor
	migration *migration.Manager

	defaultProvider api.ProviderType
}

// New creates an uninitialized Controller.
func New() *Controller {
	return &Controller{
		providers: make(map[api.ProviderType]provider.Provider),
	}
}

// AddProvider wires an already-constructed driver into the controller. It
// must be called before Initialize; a configured entry of the same type is
// then not constructed again. Used by embedders and tests that build their
// drivers by hand.
func (c *Controller) AddProvider(prov provider.Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[prov.GetType()] = prov
}

// Initialize merges the given configuration over the defaults, constructs
// and initializes the configured providers, and brings up the registry,
// health monitor, and migration manager in that order. Provider
// initialization failures are logged and exclude the driver; they are not
// fatal to the controller.
func (c *Controller) Initialize(ctx context.Context, partial *config.SwarmConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	cfg := config.GetDefaultConfig()
	if partial != nil {
		config.Merge(&cfg, partial)
	}
	if err := config.Validate(&cfg); err != nil {
		return err
	}
	c.cfg = cfg

	for _, entry := range cfg.Providers {
		if !entry.Enabled {
			logging.Info("SwarmController", "Provider %s is disabled, skipping", entry.Type)
			continue
		}
		if _, ok := c.providers[entry.Type]; ok {
			continue
		}
		prov, err := provider.New(entry.Type, entry.Config)
		if err != nil {
			logging.Error("SwarmController", err, "Failed to construct provider %s", entry.Type)
			continue
		}
		if err := prov.Initialize(ctx); err != nil {
			logging.Error("SwarmController", err, "Failed to initialize provider %s", entry.Type)
			continue
		}
		c.providers[entry.Type] = prov
		if c.defaultProvider == "" {
			c.defaultProvider = entry.Type
		}
	}
	if cfg.General.DefaultProviderType != "" {
		c.defaultProvider = cfg.General.DefaultProviderType
	}
	if c.defaultProvider == "" && len(c.providers) > 0 {
		types := make([]api.ProviderType, 0, len(c.providers))
		for t := range c.providers {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		c.defaultProvider = types[0]
	}

	c.store = storage.NewStore(cfg.General.StateDir)

	c.registry = registry.New(registry.Options{
		Store:              c.store,
		LoadStateOnStartup: *cfg.General.LoadStateOnStartup,
		AutoSaveInterval:   time.Duration(*cfg.General.AutoSaveIntervalMs) * time.Millisecond,
		WatchStateDir:      true,
	})
	if err := c.registry.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}

	c.health = health.New(health.Options{
		Store:               c.store,
		Registry:            c.registry,
		Resolver:            c.resolveProvider,
		Migrator:            recoveryMigrator{c},
		Enabled:             *cfg.HealthMonitor.Enabled,
		CheckInterval:       time.Duration(*cfg.HealthMonitor.CheckIntervalMs) * time.Millisecond,
		AutoRecover:         *cfg.HealthMonitor.AutoRecover,
		MaxRecoveryAttempts: *cfg.HealthMonitor.MaxRecoveryAttempts,
		HistorySize:         *cfg.HealthMonitor.HistorySize,
		RecoveryActions:     *cfg.HealthMonitor.RecoveryActions,
	})
	if err := c.health.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize health monitor: %w", err)
	}

	c.migration = migration.New(migration.Options{
		Store:           c.store,
		Registry:        c.registry,
		Resolver:        c.resolveProvider,
		Enabled:         *cfg.Migration.Enabled,
		DefaultStrategy: cfg.Migration.DefaultStrategy,
		DefaultTimeout:  time.Duration(*cfg.Migration.TimeoutMs) * time.Millisecond,
		DefaultStart:    true,
	})
	if err := c.migration.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migration manager: %w", err)
	}

	c.initialized = true
	logging.Info("SwarmController", "Initialized with %d providers (default %s)", len(c.providers), c.defaultProvider)
	return nil
}

// resolveProvider returns the initialized driver for a type, or nil.
func (c *Controller) resolveProvider(providerType api.ProviderType) provider.Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providers[providerType]
}

// guard returns the NotInitialized rejection for early calls.
func (c *Controller) guard() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return api.ErrNotInitialized
	}
	return nil
}

// providerFor resolves the driver owning a registered instance.
func (c *Controller) providerFor(id string) (*api.VSCodeInstance, provider.Provider, error) {
	inst := c.registry.GetInstance(id)
	if inst == nil {
		return nil, nil, api.NewInstanceNotFoundError(id)
	}
	prov := c.resolveProvider(inst.ProviderType)
	if prov == nil {
		return nil, nil, api.NewProviderNotFoundError(inst.ProviderType)
	}
	return inst, prov, nil
}

// CreateInstance validates the config against the provider's capabilities,
// creates the instance through the driver, and registers it.
func (c *Controller) CreateInstance(ctx context.Context, cfg api.InstanceConfig, providerType api.ProviderType) (*api.VSCodeInstance, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	if providerType == "" {
		providerType = c.defaultProvider
	}
	prov := c.resolveProvider(providerType)
	if prov == nil {
		return nil, api.NewProviderNotFoundError(providerType)
	}

	if err := c.validateAgainstCapabilities(cfg, providerType, prov.GetCapabilities()); err != nil {
		return nil, err
	}

	inst, err := prov.CreateInstance(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.registry.RegisterInstance(inst); err != nil {
		return nil, fmt.Errorf("instance created but registration failed: %w", err)
	}

	logging.Info("SwarmController", "Created instance %s (%s) on %s", inst.ID, inst.Name, providerType)
	return inst, nil
}

// validateAgainstCapabilities rejects configs the target provider cannot
// host before any resource is allocated.
func (c *Controller) validateAgainstCapabilities(cfg api.InstanceConfig, providerType api.ProviderType, caps provider.Capabilities) error {
	if caps.MaxInstancesPerUser > 0 && c.registry.GetInstanceCount(providerType) >= caps.MaxInstancesPerUser {
		return &api.ResourceLimitError{
			ProviderType: providerType,
			Resource:     "instances",
			Message:      fmt.Sprintf("provider already hosts %d instances", caps.MaxInstancesPerUser),
		}
	}
	if max := caps.MaxResourcesPerInstance.CPU; max > 0 && cfg.Resources.CPU > max {
		return api.NewValidationError("resources.cpu", "%.1f exceeds provider maximum %.1f", cfg.Resources.CPU, max)
	}
	if max := caps.MaxResourcesPerInstance.Storage; max > 0 && cfg.Resources.Storage > max {
		return api.NewValidationError("resources.storage", "%dGB exceeds provider maximum %dGB", cfg.Resources.Storage, max)
	}
	return nil
}

// GetInstance returns the registry record, refreshed best-effort from the
// owning provider. Provider failures fall back to the cached record; an
// unknown id returns nil.
func (c *Controller) GetInstance(ctx context.Context, id string) (*api.VSCodeInstance, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	inst := c.registry.GetInstance(id)
	if inst == nil {
		return nil, nil
	}

	prov := c.resolveProvider(inst.ProviderType)
	if prov == nil {
		return inst, nil
	}

	observed, err := prov.GetInstance(ctx, id)
	if err != nil || observed == nil {
		if err != nil {
			logging.Debug("SwarmController", "Refresh of %s failed, returning cached record: %v", id, err)
		}
		return inst, nil
	}

	observed.CreatedAt = inst.CreatedAt
	if err := c.registry.UpdateInstance(observed); err != nil {
		logging.Warn("SwarmController", "Failed to reconcile refreshed instance %s: %v", id, err)
	}
	return observed, nil
}

// ListInstances returns registry snapshots matching the filter.
func (c *Controller) ListInstances(filter *api.InstanceFilter) ([]*api.VSCodeInstance, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	if filter == nil {
		filter = &api.InstanceFilter{}
	}

	var re *regexp.Regexp
	if filter.NamePattern != "" {
		var err error
		re, err = regexp.Compile(filter.NamePattern)
		if err != nil {
			return nil, api.NewValidationError("namePattern", "invalid pattern: %v", err)
		}
	}

	candidates := c.registry.ListInstances(filter.ProviderType, "")
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	var matched []*api.VSCodeInstance
	for _, inst := range candidates {
		if !filter.MatchesStatus(inst.Status) {
			continue
		}
		if re != nil && !re.MatchString(inst.Name) {
			continue
		}
		if filter.CreatedBefore != nil && !inst.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		if filter.CreatedAfter != nil && !inst.CreatedAt.After(*filter.CreatedAfter) {
			continue
		}
		if !matchesMetadata(inst, filter.Metadata) {
			continue
		}
		matched = append(matched, inst)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func matchesMetadata(inst *api.VSCodeInstance, want map[string]string) bool {
	for k, v := range want {
		if inst.Config.Env[k] != v && inst.Metadata.Extra[k] != v {
			return false
		}
	}
	return true
}

// StartInstance dispatches to the owning provider and reconciles the
// registry with the result.
func (c *Controller) StartInstance(ctx context.Context, id string) (*api.VSCodeInstance, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	inst, prov, err := c.providerFor(id)
	if err != nil {
		return nil, err
	}

	updated, err := prov.StartInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	updated.CreatedAt = inst.CreatedAt
	if err := c.registry.UpdateInstance(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// StopInstance dispatches to the owning provider and reconciles the
// registry with the result.
func (c *Controller) StopInstance(ctx context.Context, id string, force bool) (*api.VSCodeInstance, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	inst, prov, err := c.providerFor(id)
	if err != nil {
		return nil, err
	}

	updated, err := prov.StopInstance(ctx, id, force)
	if err != nil {
		return nil, err
	}
	updated.CreatedAt = inst.CreatedAt
	if err := c.registry.UpdateInstance(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteInstance removes the instance from the provider and the registry.
func (c *Controller) DeleteInstance(ctx context.Context, id string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}
	_, prov, err := c.providerFor(id)
	if err != nil {
		return false, err
	}

	deleted, err := prov.DeleteInstance(ctx, id)
	if err != nil {
		return false, err
	}
	removed, err := c.registry.RemoveInstance(id)
	if err != nil {
		return deleted, err
	}
	return deleted || removed, nil
}

// UpdateInstance applies a partial config change through the owning
// provider.
func (c *Controller) UpdateInstance(ctx context.Context, id string, patch api.ConfigPatch) (*api.VSCodeInstance, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	inst, prov, err := c.providerFor(id)
	if err != nil {
		return nil, err
	}

	updated, err := prov.UpdateInstance(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	updated.CreatedAt = inst.CreatedAt
	if err := c.registry.UpdateInstance(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// GetInstanceLogs streams logs from the owning provider.
func (c *Controller) GetInstanceLogs(ctx context.Context, id string, opts provider.LogOptions) (<-chan provider.LogLine, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	_, prov, err := c.providerFor(id)
	if err != nil {
		return nil, err
	}
	return prov.GetInstanceLogs(ctx, id, opts)
}

// ExecuteCommand runs a command inside the instance via the owning
// provider.
func (c *Controller) ExecuteCommand(ctx context.Context, id string, command []string) (*provider.ExecResult, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	_, prov, err := c.providerFor(id)
	if err != nil {
		return nil, err
	}
	return prov.ExecuteCommand(ctx, id, command)
}

// CheckInstanceHealth delegates to the health monitor.
func (c *Controller) CheckInstanceHealth(ctx context.Context, id string) (*api.HealthCheckResult, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.health.CheckInstanceHealth(ctx, id)
}

// GetInstanceHealth delegates to the health monitor.
func (c *Controller) GetInstanceHealth(id string) (*api.InstanceHealth, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.health.GetInstanceHealth(id), nil
}

// ListInstanceHealth delegates to the health monitor.
func (c *Controller) ListInstanceHealth(status api.HealthStatus) ([]*api.InstanceHealth, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.health.ListInstanceHealth(status), nil
}

// RecoverInstance delegates to the health monitor.
func (c *Controller) RecoverInstance(ctx context.Context, id string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}
	return c.health.RecoverInstance(ctx, id)
}

// CreateMigrationPlan delegates to the migration manager.
func (c *Controller) CreateMigrationPlan(ctx context.Context, sourceInstanceID string, targetProviderType api.ProviderType, opts *api.MigrationOptions) (*api.MigrationPlan, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.migration.CreateMigrationPlan(ctx, sourceInstanceID, targetProviderType, opts)
}

// StartMigration delegates to the migration manager.
func (c *Controller) StartMigration(ctx context.Context, planID string) (*api.MigrationResult, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.migration.StartMigration(ctx, planID)
}

// CancelMigration delegates to the migration manager.
func (c *Controller) CancelMigration(planID string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}
	return c.migration.CancelMigration(planID)
}

// GetMigrationPlan delegates to the migration manager.
func (c *Controller) GetMigrationPlan(planID string) (*api.MigrationPlan, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.migration.GetMigrationPlan(planID), nil
}

// ListMigrationPlans delegates to the migration manager.
func (c *Controller) ListMigrationPlans(status api.MigrationStatus) ([]*api.MigrationPlan, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.migration.ListMigrationPlans(status), nil
}

// GetProviderCapabilities returns the capability set of an initialized
// provider.
func (c *Controller) GetProviderCapabilities(providerType api.ProviderType) (*provider.Capabilities, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	prov := c.resolveProvider(providerType)
	if prov == nil {
		return nil, api.NewProviderNotFoundError(providerType)
	}
	caps := prov.GetCapabilities()
	return &caps, nil
}

// GetSwarmStatus aggregates the control-plane view across every known
// provider type: registered driver kinds plus any type present in the
// configuration, whether or not its driver initialized.
func (c *Controller) GetSwarmStatus() (*api.SwarmStatus, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	known := make(map[api.ProviderType]bool)
	for _, t := range provider.RegisteredTypes() {
		known[t] = true
	}
	c.mu.RLock()
	for _, entry := range c.cfg.Providers {
		known[entry.Type] = true
	}
	for t := range c.providers {
		known[t] = true
	}
	c.mu.RUnlock()

	types := make([]api.ProviderType, 0, len(known))
	for t := range known {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	status := &api.SwarmStatus{
		Initialized:          true,
		TotalInstances:       c.registry.GetInstanceCount(""),
		HealthMonitorEnabled: *c.cfg.HealthMonitor.Enabled,
		MigrationEnabled:     *c.cfg.Migration.Enabled,
	}
	for _, t := range types {
		status.Providers = append(status.Providers, api.ProviderStatus{
			Type:          t,
			Enabled:       c.resolveProvider(t) != nil,
			InstanceCount: c.registry.GetInstanceCount(t),
		})
	}
	return status, nil
}

// recoveryMigrator adapts the controller to the health monitor's migrate
// recovery action: it targets the first initialized provider other than the
// instance's own and starts the plan in the background.
type recoveryMigrator struct {
	c *Controller
}

func (r recoveryMigrator) MigrateForRecovery(ctx context.Context, instanceID string) error {
	inst := r.c.registry.GetInstance(instanceID)
	if inst == nil {
		return api.NewInstanceNotFoundError(instanceID)
	}

	r.c.mu.RLock()
	var target api.ProviderType
	types := make([]api.ProviderType, 0, len(r.c.providers))
	for t := range r.c.providers {
		types = append(types, t)
	}
	r.c.mu.RUnlock()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		if t != inst.ProviderType {
			target = t
			break
		}
	}
	if target == "" {
		return fmt.Errorf("no alternative provider available to migrate instance %s", instanceID)
	}

	plan, err := r.c.migration.CreateMigrationPlan(ctx, instanceID, target, nil)
	if err != nil {
		return err
	}
	go func() {
		if _, err := r.c.migration.StartMigration(context.Background(), plan.ID); err != nil {
			logging.Error("SwarmController", err, "Recovery migration %s failed to start", plan.ID)
		}
	}()
	return nil
}

// Dispose shuts the subsystems down in the order health monitor, migration
// manager, registry. A failure in one is logged and does not stop the
// others. After Dispose the controller reports NotInitialized again.
func (c *Controller) Dispose() error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = false
	healthMonitor := c.health
	migrationManager := c.migration
	instanceRegistry := c.registry
	c.mu.Unlock()

	if healthMonitor != nil {
		if err := healthMonitor.Dispose(); err != nil {
			logging.Error("SwarmController", err, "Health monitor disposal failed")
		}
	}
	if migrationManager != nil {
		if err := migrationManager.Dispose(); err != nil {
			logging.Error("SwarmController", err, "Migration manager disposal failed")
		}
	}
	if instanceRegistry != nil {
		if err := instanceRegistry.Dispose(); err != nil {
			logging.Error("SwarmController", err, "Registry disposal failed")
		}
	}

	logging.Info("SwarmController", "Disposed")
	return nil
}
