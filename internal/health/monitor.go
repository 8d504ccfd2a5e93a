// Package health implements the periodic health-check and auto-recovery
// loop of the swarm control plane.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"swarm/internal/api"
	"swarm/internal/config"
	"swarm/internal/provider"
	"swarm/internal/registry"
	"swarm/internal/storage"
	"swarm/pkg/logging"
)

const (
	entityType = "health"

	// probeCommand is the cheap liveness command executed inside instances.
	probeCommand = "echo health check"

	probeTimeoutMin = time.Second
	probeTimeoutMax = 30 * time.Second

	// maxProbeConcurrency bounds parallel probes within one scan.
	maxProbeConcurrency = 4

	// recoveryWindowFactor sizes the rolling window for the recovery
	// attempt cap as a multiple of the check interval.
	recoveryWindowFactor = 10
)

// ProviderResolver returns the driver owning a provider type, or nil when no
// such driver is initialized.
type ProviderResolver func(api.ProviderType) provider.Provider

// Migrator starts a recovery migration for an instance. The controller
// always wires one in; only the migrate recovery action calls it.
type Migrator interface {
	MigrateForRecovery(ctx context.Context, instanceID string) error
}

// Options configures a Monitor.
type Options struct {
	Store    *storage.Store
	Registry *registry.Registry
	Resolver ProviderResolver
	Migrator Migrator // optional

	Enabled             bool
	CheckInterval       time.Duration // 0 disables the scheduler
	AutoRecover         bool
	MaxRecoveryAttempts int
	HistorySize         int
	RecoveryActions     config.RecoveryActions
}

// Monitor owns the InstanceHealth records: it probes running instances on a
// fixed tick, keeps a bounded history per instance, persists every update,
// and optionally fires recovery when a probe comes back unhealthy.
type Monitor struct {
	mu     sync.Mutex
	health map[string]*api.InstanceHealth

	opts Options

	// recoveryAttempts tracks recent recovery timestamps per instance for
	// the rolling-window cap. In-memory only; the cap is advisory.
	recoveryAttempts map[string][]time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	disposed bool
}

// New creates a Monitor. Call Initialize before use.
func New(opts Options) *Monitor {
	if opts.Store == nil || opts.Registry == nil || opts.Resolver == nil {
		panic("Logic error: health monitor requires store, registry, and resolver")
	}
	if opts.HistorySize < 1 {
		opts.HistorySize = config.DefaultHistorySize
	}
	return &Monitor{
		health:           make(map[string]*api.InstanceHealth),
		recoveryAttempts: make(map[string][]time.Time),
		opts:             opts,
	}
}

// Initialize loads persisted health records and starts the scheduler when
// enabled.
func (m *Monitor) Initialize() error {
	names, err := m.opts.Store.List(entityType)
	if err != nil {
		return fmt.Errorf("failed to list persisted health records: %w", err)
	}
	for _, name := range names {
		var record api.InstanceHealth
		if err := m.opts.Store.LoadJSON(entityType, name, &record); err != nil {
			logging.Warn("HealthMonitor", "Skipping unreadable health file %s: %v", name, err)
			continue
		}
		if record.InstanceID == "" {
			logging.Warn("HealthMonitor", "Skipping health file %s: missing instance id", name)
			continue
		}
		m.mu.Lock()
		m.health[record.InstanceID] = &record
		m.mu.Unlock()
	}

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	if m.opts.Enabled && m.opts.CheckInterval > 0 {
		go m.schedulerLoop()
		logging.Info("HealthMonitor", "Scheduler started (interval %s)", m.opts.CheckInterval)
	} else {
		close(m.doneCh)
	}
	return nil
}

// schedulerLoop fires scans at the configured interval. Scans run in the
// loop goroutine itself, so a tick can never overlap the previous one; a
// tick that fires while a scan is still running is simply absorbed late.
func (m *Monitor) schedulerLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-m.stopCh:
			return
		}
	}
}

// checkAll probes every running instance. Probe failures are logged and
// recorded, never propagated.
func (m *Monitor) checkAll() {
	instances := m.opts.Registry.ListInstances("", api.StatusRunning)

	g := new(errgroup.Group)
	g.SetLimit(maxProbeConcurrency)
	for _, inst := range instances {
		id := inst.ID
		g.Go(func() error {
			if _, err := m.CheckInstanceHealth(context.Background(), id); err != nil {
				logging.Warn("HealthMonitor", "Probe of instance %s failed: %v", id, err)
			}
			return nil
		})
	}
	g.Wait()
}

// probeTimeout derives the per-probe budget from the check interval.
func (m *Monitor) probeTimeout() time.Duration {
	if m.opts.CheckInterval <= 0 {
		return probeTimeoutMax
	}
	t := m.opts.CheckInterval / 2
	if t < probeTimeoutMin {
		return probeTimeoutMin
	}
	if t > probeTimeoutMax {
		return probeTimeoutMax
	}
	return t
}

// CheckInstanceHealth probes one instance, updates and persists its health
// record, and returns the probe result. Instances that are not running are
// classified unknown without probing.
func (m *Monitor) CheckInstanceHealth(ctx context.Context, id string) (*api.HealthCheckResult, error) {
	inst := m.opts.Registry.GetInstance(id)
	if inst == nil {
		return nil, api.NewInstanceNotFoundError(id)
	}

	var result api.HealthCheckResult
	if inst.Status != api.StatusRunning {
		result = api.HealthCheckResult{
			InstanceID: id,
			Status:     api.HealthUnknown,
			CheckedAt:  time.Now().UTC(),
			Details: api.HealthDetails{
				Message:        fmt.Sprintf("Instance is not running (status: %s), health check skipped", inst.Status),
				ObservedStatus: string(inst.Status),
			},
		}
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout())
		result = m.probe(probeCtx, inst)
		cancel()
	}

	m.appendResult(result)

	if m.opts.AutoRecover && result.Status == api.HealthUnhealthy {
		// Fire and forget; recovery outcomes land in the health history.
		go m.autoRecover(id)
	}

	return &result, nil
}

// probe performs one health check cycle for a running instance.
func (m *Monitor) probe(ctx context.Context, inst *api.VSCodeInstance) api.HealthCheckResult {
	result := api.HealthCheckResult{
		InstanceID: inst.ID,
		CheckedAt:  time.Now().UTC(),
	}

	prov := m.opts.Resolver(inst.ProviderType)
	if prov == nil {
		result.Status = api.HealthUnknown
		result.Details.Message = "Provider not found"
		return result
	}

	observed, err := prov.GetInstance(ctx, inst.ID)
	if err != nil {
		return m.classifyError(result, err)
	}
	if observed == nil {
		result.Status = api.HealthUnhealthy
		result.Details.Message = "Instance not found in provider"
		return result
	}
	if observed.Status != api.StatusRunning {
		result.Status = api.HealthUnhealthy
		result.Details.Message = fmt.Sprintf("Instance is not running in provider (status: %s)", observed.Status)
		result.Details.ObservedStatus = string(observed.Status)
		return result
	}

	start := time.Now()
	exec, err := prov.ExecuteCommand(ctx, inst.ID, []string{"sh", "-c", probeCommand})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return m.classifyError(result, err)
	}
	if exec.ExitCode != 0 {
		result.Status = api.HealthUnhealthy
		result.Details.Message = fmt.Sprintf("Health check command exited with code %d", exec.ExitCode)
		result.Details.Error = exec.Stderr
		result.Details.ResponseTimeMs = elapsed
		return result
	}

	result.Status = api.HealthHealthy
	result.Details.Message = "Instance is healthy"
	result.Details.ResponseTimeMs = elapsed
	return result
}

// classifyError turns a probe failure into a result: timeouts are unknown,
// everything else unhealthy.
func (m *Monitor) classifyError(result api.HealthCheckResult, err error) api.HealthCheckResult {
	if errors.Is(err, context.DeadlineExceeded) || api.IsTimeout(err) {
		result.Status = api.HealthUnknown
		result.Details.Message = "Timed out"
		result.Details.Error = err.Error()
		return result
	}
	result.Status = api.HealthUnhealthy
	result.Details.Message = "Health check failed"
	result.Details.Error = err.Error()
	return result
}

// appendResult folds a probe outcome into the instance's record and
// persists it. History is newest-first and bounded.
func (m *Monitor) appendResult(result api.HealthCheckResult) {
	m.mu.Lock()
	record, ok := m.health[result.InstanceID]
	if !ok {
		record = &api.InstanceHealth{InstanceID: result.InstanceID}
		m.health[result.InstanceID] = record
	}
	record.Status = result.Status
	record.LastChecked = result.CheckedAt
	record.Details = result.Details
	record.History = append([]api.HealthCheckResult{result}, record.History...)
	if len(record.History) > m.opts.HistorySize {
		record.History = record.History[:m.opts.HistorySize]
	}
	snapshot := record.Clone()
	m.mu.Unlock()

	if err := m.opts.Store.SaveJSON(entityType, snapshot.InstanceID, snapshot); err != nil {
		logging.Error("HealthMonitor", err, "Failed to persist health record for %s", snapshot.InstanceID)
	}
}

// GetInstanceHealth returns a snapshot of one record, or nil when the
// instance has never been checked.
func (m *Monitor) GetInstanceHealth(id string) *api.InstanceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health[id].Clone()
}

// ListInstanceHealth returns snapshots, optionally narrowed to one status.
func (m *Monitor) ListInstanceHealth(status api.HealthStatus) []*api.InstanceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*api.InstanceHealth
	for _, record := range m.health {
		if status != "" && record.Status != status {
			continue
		}
		out = append(out, record.Clone())
	}
	return out
}

// autoRecover applies the rolling-window attempt cap and invokes recovery;
// failures are logged, never propagated to the probe path.
func (m *Monitor) autoRecover(id string) {
	window := m.opts.CheckInterval * recoveryWindowFactor
	if window <= 0 {
		window = time.Duration(recoveryWindowFactor) * time.Minute
	}

	m.mu.Lock()
	now := time.Now()
	attempts := m.recoveryAttempts[id][:0]
	for _, t := range m.recoveryAttempts[id] {
		if now.Sub(t) < window {
			attempts = append(attempts, t)
		}
	}
	if m.opts.MaxRecoveryAttempts > 0 && len(attempts) >= m.opts.MaxRecoveryAttempts {
		m.recoveryAttempts[id] = attempts
		m.mu.Unlock()
		logging.Warn("HealthMonitor", "Skipping recovery of %s: %d attempts in the last %s", id, len(attempts), window)
		return
	}
	m.recoveryAttempts[id] = append(attempts, now)
	m.mu.Unlock()

	if _, err := m.RecoverInstance(context.Background(), id); err != nil {
		logging.Error("HealthMonitor", err, "Auto-recovery of instance %s failed", id)
	}
}

// RecoverInstance attempts to bring an unhealthy instance back. The enabled
// recovery actions are tried in the order restart, recreate, migrate; the
// first enabled action decides the outcome. Returns true on success.
func (m *Monitor) RecoverInstance(ctx context.Context, id string) (bool, error) {
	inst := m.opts.Registry.GetInstance(id)
	if inst == nil {
		return false, api.NewInstanceNotFoundError(id)
	}

	actions := m.opts.RecoveryActions
	switch {
	case actions.Restart:
		return m.recoverByRestart(ctx, inst)
	case actions.Recreate:
		return m.recoverByRecreate(ctx, inst)
	case actions.Migrate:
		return m.recoverByMigrate(ctx, inst)
	default:
		return false, fmt.Errorf("no recovery action enabled for instance %s", id)
	}
}

func (m *Monitor) recoverByRestart(ctx context.Context, inst *api.VSCodeInstance) (bool, error) {
	prov := m.opts.Resolver(inst.ProviderType)
	if prov == nil {
		return false, api.NewProviderNotFoundError(inst.ProviderType)
	}

	if _, err := prov.StopInstance(ctx, inst.ID, false); err != nil {
		m.recordRecoveryFailure(inst.ID, err)
		return false, err
	}
	started, err := prov.StartInstance(ctx, inst.ID)
	if err != nil {
		m.recordRecoveryFailure(inst.ID, err)
		return false, err
	}

	started.CreatedAt = inst.CreatedAt
	if err := m.opts.Registry.UpdateInstance(started); err != nil {
		logging.Warn("HealthMonitor", "Failed to reconcile registry after recovery of %s: %v", inst.ID, err)
	}

	m.appendResult(api.HealthCheckResult{
		InstanceID: inst.ID,
		Status:     api.HealthRecovering,
		CheckedAt:  time.Now().UTC(),
		Details:    api.HealthDetails{Message: "Instance restarted for recovery"},
	})
	logging.Info("HealthMonitor", "Restarted instance %s for recovery", inst.ID)
	return true, nil
}

func (m *Monitor) recoverByRecreate(ctx context.Context, inst *api.VSCodeInstance) (bool, error) {
	prov := m.opts.Resolver(inst.ProviderType)
	if prov == nil {
		return false, api.NewProviderNotFoundError(inst.ProviderType)
	}

	if _, err := prov.DeleteInstance(ctx, inst.ID); err != nil {
		m.recordRecoveryFailure(inst.ID, err)
		return false, err
	}
	created, err := prov.CreateInstance(ctx, inst.Config)
	if err != nil {
		m.recordRecoveryFailure(inst.ID, err)
		return false, err
	}

	if err := m.opts.Registry.RegisterInstance(created); err != nil {
		return false, err
	}
	if _, err := m.opts.Registry.RemoveInstance(inst.ID); err != nil {
		logging.Warn("HealthMonitor", "Failed to drop old record %s after recreate: %v", inst.ID, err)
	}

	m.appendResult(api.HealthCheckResult{
		InstanceID: created.ID,
		Status:     api.HealthRecovering,
		CheckedAt:  time.Now().UTC(),
		Details:    api.HealthDetails{Message: "Instance recreated for recovery"},
	})
	logging.Info("HealthMonitor", "Recreated instance %s as %s for recovery", inst.ID, created.ID)
	return true, nil
}

func (m *Monitor) recoverByMigrate(ctx context.Context, inst *api.VSCodeInstance) (bool, error) {
	if m.opts.Migrator == nil {
		return false, fmt.Errorf("migrate recovery enabled but no migrator wired for instance %s", inst.ID)
	}
	if err := m.opts.Migrator.MigrateForRecovery(ctx, inst.ID); err != nil {
		m.recordRecoveryFailure(inst.ID, err)
		return false, err
	}

	m.appendResult(api.HealthCheckResult{
		InstanceID: inst.ID,
		Status:     api.HealthRecovering,
		CheckedAt:  time.Now().UTC(),
		Details:    api.HealthDetails{Message: "Instance migration started for recovery"},
	})
	return true, nil
}

func (m *Monitor) recordRecoveryFailure(id string, err error) {
	m.appendResult(api.HealthCheckResult{
		InstanceID: id,
		Status:     api.HealthUnhealthy,
		CheckedAt:  time.Now().UTC(),
		Details: api.HealthDetails{
			Message: "Recovery failed",
			Error:   err.Error(),
		},
	})
}

// Dispose stops the scheduler and flushes every record. Safe to call more
// than once.
func (m *Monitor) Dispose() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.disposed = true
	snapshot := make([]*api.InstanceHealth, 0, len(m.health))
	for _, record := range m.health {
		snapshot = append(snapshot, record.Clone())
	}
	m.mu.Unlock()

	if m.stopCh != nil {
		close(m.stopCh)
		<-m.doneCh
	}

	for _, record := range snapshot {
		if err := m.opts.Store.SaveJSON(entityType, record.InstanceID, record); err != nil {
			logging.Error("HealthMonitor", err, "Final flush failed for health record %s", record.InstanceID)
		}
	}
	return nil
}
