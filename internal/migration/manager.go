// Package migration implements the durable, step-wise migration workflow
// that moves an instance from one provider to another.
//
// A migration is a persisted plan of ordered steps. Every step transition
// is written to disk before the executor moves on, so a crash leaves the
// plan resumable: on startup the manager re-enters every in_progress plan at
// its saved step index. Steps are written to be idempotent under rerun.
package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarm/internal/api"
	"swarm/internal/provider"
	"swarm/internal/registry"
	"swarm/internal/storage"
	"swarm/pkg/logging"
)

const entityType = "migrations"

// ProviderResolver returns the driver owning a provider type, or nil when no
// such driver is initialized.
type ProviderResolver func(api.ProviderType) provider.Provider

// Options configures a Manager.
type Options struct {
	Store    *storage.Store
	Registry *registry.Registry
	Resolver ProviderResolver

	Enabled         bool
	DefaultStrategy api.MigrationStrategy
	DefaultTimeout  time.Duration
	DefaultKeep     bool
	DefaultStart    bool
}

// Manager owns the MigrationPlan records and their execution.
type Manager struct {
	mu      sync.Mutex
	plans   map[string]*api.MigrationPlan
	timers  map[string]*time.Timer
	running map[string]bool

	opts Options

	executors sync.WaitGroup
	disposed  bool
}

// New creates a Manager. Call Initialize before use.
func New(opts Options) *Manager {
	if opts.Store == nil || opts.Registry == nil || opts.Resolver == nil {
		panic("Logic error: migration manager requires store, registry, and resolver")
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = api.StrategyStopAndRecreate
	}
	return &Manager{
		plans:   make(map[string]*api.MigrationPlan),
		timers:  make(map[string]*time.Timer),
		running: make(map[string]bool),
		opts:    opts,
	}
}

// Initialize loads persisted plans and resumes interrupted migrations.
func (m *Manager) Initialize() error {
	names, err := m.opts.Store.List(entityType)
	if err != nil {
		return fmt.Errorf("failed to list persisted migration plans: %w", err)
	}
	for _, name := range names {
		var plan api.MigrationPlan
		if err := m.opts.Store.LoadJSON(entityType, name, &plan); err != nil {
			logging.Warn("MigrationManager", "Skipping unreadable plan file %s: %v", name, err)
			continue
		}
		if plan.ID == "" {
			logging.Warn("MigrationManager", "Skipping plan file %s: missing id", name)
			continue
		}
		m.mu.Lock()
		m.plans[plan.ID] = &plan
		m.mu.Unlock()
	}

	m.resumeMigrations()
	return nil
}

// resumeMigrations re-enters every in_progress plan at its saved step
// index, or times it out when its deadline already passed.
func (m *Manager) resumeMigrations() {
	m.mu.Lock()
	var resume []string
	now := time.Now()
	for id, plan := range m.plans {
		if plan.Status != api.MigrationInProgress {
			continue
		}
		if !plan.ExpiresAt.IsZero() && plan.ExpiresAt.Before(now) {
			plan.Status = api.MigrationTimedOut
			plan.Error = "Migration timed out"
			m.persistLocked(plan)
			logging.Warn("MigrationManager", "Plan %s expired while the control plane was down", id)
			continue
		}
		resume = append(resume, id)
	}
	m.mu.Unlock()

	for _, id := range resume {
		logging.Info("MigrationManager", "Resuming interrupted migration %s", id)
		m.executors.Add(1)
		go func(planID string) {
			defer m.executors.Done()
			m.executeMigration(planID)
		}(id)
	}
}

// CreateMigrationPlan builds and persists a new plan in pending state.
func (m *Manager) CreateMigrationPlan(ctx context.Context, sourceInstanceID string, targetProviderType api.ProviderType, opts *api.MigrationOptions) (*api.MigrationPlan, error) {
	if !m.opts.Enabled {
		return nil, api.NewValidationError("migration", "migration is disabled by configuration")
	}

	source := m.opts.Registry.GetInstance(sourceInstanceID)
	if source == nil {
		return nil, api.NewInstanceNotFoundError(sourceInstanceID)
	}
	if m.opts.Resolver(targetProviderType) == nil {
		return nil, api.NewProviderNotFoundError(targetProviderType)
	}

	strategy := m.opts.DefaultStrategy
	keepSource := m.opts.DefaultKeep
	startTarget := m.opts.DefaultStart
	timeout := m.opts.DefaultTimeout
	if opts != nil {
		if opts.Strategy != "" {
			strategy = opts.Strategy
		}
		if opts.KeepSource != nil {
			keepSource = *opts.KeepSource
		}
		if opts.StartTarget != nil {
			startTarget = *opts.StartTarget
		}
		if opts.TimeoutSeconds != nil {
			timeout = time.Duration(*opts.TimeoutSeconds) * time.Second
		}
	}

	switch strategy {
	case api.StrategyStopAndRecreate, api.StrategyCreateThenStop:
	default:
		return nil, api.NewValidationError("strategy", "unknown migration strategy %q", strategy)
	}

	now := time.Now().UTC()
	plan := &api.MigrationPlan{
		ID:                 uuid.NewString(),
		SourceInstanceID:   sourceInstanceID,
		SourceProviderType: source.ProviderType,
		TargetProviderType: targetProviderType,
		Strategy:           strategy,
		KeepSource:         keepSource,
		StartTarget:        startTarget,
		TimeoutSeconds:     int(timeout / time.Second),
		CreatedAt:          now,
		ExpiresAt:          now.Add(timeout),
		Steps:              generateSteps(strategy),
		CurrentStepIndex:   0,
		Status:             api.MigrationPending,
	}

	m.mu.Lock()
	m.plans[plan.ID] = plan
	m.persistLocked(plan)
	snapshot := plan.Clone()
	m.mu.Unlock()

	logging.Info("MigrationManager", "Created migration plan %s: %s -> %s (%s)",
		plan.ID, source.ProviderType, targetProviderType, strategy)
	return snapshot, nil
}

// StartMigration executes a pending plan to completion and returns the
// outcome. Step failures terminate the plan and are reported in the result,
// not returned as an error.
func (m *Manager) StartMigration(ctx context.Context, planID string) (*api.MigrationResult, error) {
	m.mu.Lock()
	plan, ok := m.plans[planID]
	if !ok {
		m.mu.Unlock()
		return nil, api.NewPlanNotFoundError(planID)
	}
	if m.running[planID] {
		m.mu.Unlock()
		return nil, api.NewValidationError("plan", "migration %s is already running", planID)
	}
	if plan.Status != api.MigrationPending {
		m.mu.Unlock()
		return nil, api.NewValidationError("plan", "migration %s is %s, expected pending", planID, plan.Status)
	}
	plan.Status = api.MigrationInProgress
	plan.ExpiresAt = time.Now().UTC().Add(time.Duration(plan.TimeoutSeconds) * time.Second)
	m.persistLocked(plan)
	m.mu.Unlock()

	m.executors.Add(1)
	defer m.executors.Done()
	return m.executeMigration(planID), nil
}

// executeMigration runs the step loop for one plan. The caller must have
// moved the plan into in_progress (StartMigration) or be resuming a plan
// already in that state.
func (m *Manager) executeMigration(planID string) *api.MigrationResult {
	m.mu.Lock()
	plan, ok := m.plans[planID]
	if !ok {
		m.mu.Unlock()
		return &api.MigrationResult{Success: false, Error: fmt.Sprintf("migration plan %s not found", planID)}
	}
	m.running[planID] = true
	remaining := time.Until(plan.ExpiresAt)
	stepCount := len(plan.Steps)
	startIndex := plan.CurrentStepIndex
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.running, planID)
		m.mu.Unlock()
	}()

	// Arm the single-shot plan timeout. A non-positive remainder fires
	// immediately; the executor then observes the terminal status at its
	// next transition and stops.
	m.armTimeout(planID, remaining)

	ctx := context.Background()
	for i := startIndex; i < stepCount; i++ {
		stepSnapshot, proceed := m.beginStep(planID, i)
		if !proceed {
			return m.result(planID)
		}
		if stepSnapshot == nil {
			// Step already completed on an earlier attempt.
			continue
		}

		planSnapshot := m.snapshot(planID)
		skipped, err := m.runStep(ctx, planSnapshot, stepSnapshot)
		if err != nil {
			m.failStep(planID, i, err)
			m.clearTimeout(planID)
			return m.result(planID)
		}
		if !m.finishStep(planID, i, skipped) {
			return m.result(planID)
		}
	}

	m.finalize(planID)
	m.clearTimeout(planID)
	return m.result(planID)
}

// beginStep persists the step-index advance and the in_progress transition.
// It returns (nil, true) for steps that are already completed, and
// (nil, false) when the plan reached a terminal state and execution must
// stop without writing anything further.
func (m *Manager) beginStep(planID string, index int) (*api.MigrationStep, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[planID]
	if !ok || plan.Status != api.MigrationInProgress {
		return nil, false
	}

	plan.CurrentStepIndex = index
	step := &plan.Steps[index]
	if step.Status == api.StepCompleted || step.Status == api.StepSkipped {
		m.persistLocked(plan)
		return nil, true
	}

	now := time.Now().UTC()
	step.Status = api.StepInProgress
	step.StartedAt = &now
	m.persistLocked(plan)

	snapshot := *step
	return &snapshot, true
}

// finishStep records step success; returns false when the plan went
// terminal while the step was running (cancellation or timeout), in which
// case nothing is written.
func (m *Manager) finishStep(planID string, index int, skipped bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[planID]
	if !ok || plan.Status != api.MigrationInProgress {
		return false
	}

	step := &plan.Steps[index]
	now := time.Now().UTC()
	if skipped {
		step.Status = api.StepSkipped
	} else {
		step.Status = api.StepCompleted
	}
	step.CompletedAt = &now
	m.persistLocked(plan)
	return true
}

// failStep records a step failure and terminates the plan.
func (m *Manager) failStep(planID string, index int, stepErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[planID]
	if !ok || plan.Status != api.MigrationInProgress {
		return
	}

	step := &plan.Steps[index]
	now := time.Now().UTC()
	step.Status = api.StepFailed
	step.Error = stepErr.Error()
	step.CompletedAt = &now
	plan.Status = api.MigrationFailed
	plan.Error = fmt.Sprintf("Failed to execute step %s: %v", step.Name, stepErr)
	m.persistLocked(plan)

	logging.Error("MigrationManager", stepErr, "Plan %s failed at step %s", planID, step.Name)
}

// finalize marks a fully executed plan completed.
func (m *Manager) finalize(planID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[planID]
	if !ok || plan.Status != api.MigrationInProgress {
		return
	}

	now := time.Now().UTC()
	plan.Status = api.MigrationCompleted
	plan.CompletedAt = &now
	m.persistLocked(plan)

	logging.Info("MigrationManager", "Plan %s completed", planID)
}

// result builds the MigrationResult from the plan's current state.
func (m *Manager) result(planID string) *api.MigrationResult {
	m.mu.Lock()
	plan := m.plans[planID].Clone()
	m.mu.Unlock()

	if plan == nil {
		return &api.MigrationResult{Success: false, Error: fmt.Sprintf("migration plan %s not found", planID)}
	}

	result := &api.MigrationResult{
		Plan:    plan,
		Success: plan.Status == api.MigrationCompleted,
		Error:   plan.Error,
	}
	if result.Success && plan.TargetInstanceID != "" {
		result.TargetInstance = m.opts.Registry.GetInstance(plan.TargetInstanceID)
	}
	return result
}

// snapshot returns a deep copy of the plan for use outside the lock.
func (m *Manager) snapshot(planID string) *api.MigrationPlan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plans[planID].Clone()
}

// setTargetInstance persists the allocated target id on the plan. Called by
// the create_target step before the instance is registered anywhere else.
func (m *Manager) setTargetInstance(plan *api.MigrationPlan, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.plans[plan.ID]
	if !ok {
		return api.NewPlanNotFoundError(plan.ID)
	}
	stored.TargetInstanceID = targetID
	plan.TargetInstanceID = targetID
	m.persistLocked(stored)
	return nil
}

// armTimeout schedules the single-shot plan timeout. A non-positive budget
// has already expired: the plan is timed out on the spot and the executor
// observes the terminal status at its first transition.
func (m *Manager) armTimeout(planID string, d time.Duration) {
	if d <= 0 {
		m.handleMigrationTimeout(planID)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[planID]; ok {
		timer.Stop()
	}
	m.timers[planID] = time.AfterFunc(d, func() {
		m.handleMigrationTimeout(planID)
	})
}

func (m *Manager) clearTimeout(planID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[planID]; ok {
		timer.Stop()
		delete(m.timers, planID)
	}
}

// handleMigrationTimeout moves a still-running plan to timed_out. In-flight
// step work is not interrupted; its writes are discarded by the terminal
// status checks.
func (m *Manager) handleMigrationTimeout(planID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[planID]
	if !ok || plan.Status.IsTerminal() {
		return
	}

	plan.Status = api.MigrationTimedOut
	plan.Error = "Migration timed out"
	m.persistLocked(plan)
	delete(m.timers, planID)

	logging.Warn("MigrationManager", "Plan %s timed out after %ds", planID, plan.TimeoutSeconds)
}

// CancelMigration moves a pending or running plan to cancelled. Terminal
// plans are left untouched and report false. Like the timeout, cancellation
// is cooperative: the executor stops at its next persistence attempt.
func (m *Manager) CancelMigration(planID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[planID]
	if !ok {
		return false, api.NewPlanNotFoundError(planID)
	}
	if plan.Status.IsTerminal() {
		return false, nil
	}

	plan.Status = api.MigrationCancelled
	m.persistLocked(plan)
	if timer, ok := m.timers[planID]; ok {
		timer.Stop()
		delete(m.timers, planID)
	}

	logging.Info("MigrationManager", "Plan %s cancelled", planID)
	return true, nil
}

// GetMigrationPlan returns a snapshot of a plan, or nil when unknown.
func (m *Manager) GetMigrationPlan(planID string) *api.MigrationPlan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plans[planID].Clone()
}

// ListMigrationPlans returns snapshots, optionally narrowed to one status.
func (m *Manager) ListMigrationPlans(status api.MigrationStatus) []*api.MigrationPlan {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*api.MigrationPlan
	for _, plan := range m.plans {
		if status != "" && plan.Status != status {
			continue
		}
		out = append(out, plan.Clone())
	}
	return out
}

// persistLocked writes a plan while holding the manager lock. The write is
// synchronous: the crash-recovery contract needs every transition on disk
// before the executor moves on. Persistence failures are logged; the
// in-memory plan remains authoritative for this process.
func (m *Manager) persistLocked(plan *api.MigrationPlan) {
	if err := m.opts.Store.SaveJSON(entityType, plan.ID, plan); err != nil {
		logging.Error("MigrationManager", err, "Failed to persist migration plan %s", plan.ID)
	}
}

// Dispose cancels every active timeout timer and waits for in-flight
// executors to settle. Safe to call more than once.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.disposed = true
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	m.executors.Wait()
	return nil
}
