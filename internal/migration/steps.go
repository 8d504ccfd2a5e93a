package migration

import (
	"context"
	"fmt"

	"swarm/internal/api"
	"swarm/pkg/logging"
)

// Step names. The recipe for a plan is fixed at creation time; execution
// dispatches on the persisted name so resumed plans keep their meaning even
// if defaults change between restarts.
const (
	stepPrepare            = "prepare"
	stepValidateSource     = "validate_source"
	stepValidateTarget     = "validate_target_provider"
	stepStopSource         = "stop_source"
	stepExportSourceConfig = "export_source_config"
	stepCreateTarget       = "create_target"
	stepStartTarget        = "start_target"
	stepVerifyTarget       = "verify_target"
	stepCleanupSource      = "cleanup_source"
	stepComplete           = "complete"
)

// generateSteps produces the ordered step list for a strategy.
func generateSteps(strategy api.MigrationStrategy) []api.MigrationStep {
	common := []struct{ name, description string }{
		{stepPrepare, "Prepare migration"},
		{stepValidateSource, "Validate the source instance exists"},
		{stepValidateTarget, "Validate the target provider can host instances"},
	}

	var recipe []struct{ name, description string }
	switch strategy {
	case api.StrategyCreateThenStop:
		recipe = []struct{ name, description string }{
			{stepExportSourceConfig, "Export the source instance configuration"},
			{stepCreateTarget, "Create the target instance"},
			{stepStartTarget, "Start the target instance"},
			{stepVerifyTarget, "Verify the target instance"},
			{stepStopSource, "Stop the source instance"},
			{stepCleanupSource, "Clean up the source instance"},
		}
	default: // stop_and_recreate
		recipe = []struct{ name, description string }{
			{stepStopSource, "Stop the source instance"},
			{stepExportSourceConfig, "Export the source instance configuration"},
			{stepCreateTarget, "Create the target instance"},
			{stepStartTarget, "Start the target instance"},
			{stepVerifyTarget, "Verify the target instance"},
			{stepCleanupSource, "Clean up the source instance"},
		}
	}

	all := append(common, recipe...)
	all = append(all, struct{ name, description string }{stepComplete, "Complete the migration"})

	steps := make([]api.MigrationStep, len(all))
	for i, s := range all {
		steps[i] = api.MigrationStep{
			Name:        s.name,
			Description: s.description,
			Status:      api.StepPending,
		}
	}
	return steps
}

// runStep executes one step against the current plan state. It returns
// skipped=true for steps that legitimately had nothing to do; any error
// fails the whole plan.
//
// Steps must stay idempotent: a crash can leave a step in_progress and a
// resume reruns it from the top.
func (m *Manager) runStep(ctx context.Context, plan *api.MigrationPlan, step *api.MigrationStep) (skipped bool, err error) {
	switch step.Name {
	case stepPrepare, stepComplete:
		// Preflight hook and terminal marker; the executor loop finalizes
		// the plan itself.
		return false, nil

	case stepValidateSource:
		return false, m.validateSource(ctx, plan)

	case stepValidateTarget:
		return false, m.validateTargetProvider(plan)

	case stepStopSource:
		return m.stopSource(ctx, plan)

	case stepExportSourceConfig:
		return false, m.exportSourceConfig(plan)

	case stepCreateTarget:
		return false, m.createTarget(ctx, plan)

	case stepStartTarget:
		return m.startTarget(ctx, plan)

	case stepVerifyTarget:
		return false, m.verifyTarget(ctx, plan)

	case stepCleanupSource:
		return m.cleanupSource(ctx, plan)

	default:
		return false, fmt.Errorf("unknown migration step %q", step.Name)
	}
}

func (m *Manager) validateSource(ctx context.Context, plan *api.MigrationPlan) error {
	prov := m.opts.Resolver(plan.SourceProviderType)
	if prov == nil {
		return api.NewProviderNotFoundError(plan.SourceProviderType)
	}
	inst, err := prov.GetInstance(ctx, plan.SourceInstanceID)
	if err != nil {
		return err
	}
	if inst == nil {
		return fmt.Errorf("source instance %s not found in provider %s", plan.SourceInstanceID, plan.SourceProviderType)
	}
	return nil
}

func (m *Manager) validateTargetProvider(plan *api.MigrationPlan) error {
	prov := m.opts.Resolver(plan.TargetProviderType)
	if prov == nil {
		return api.NewProviderNotFoundError(plan.TargetProviderType)
	}
	if prov.GetCapabilities().MaxInstancesPerUser <= 0 {
		return fmt.Errorf("target provider %s cannot host instances", plan.TargetProviderType)
	}
	return nil
}

// stopSource stops the source if it is still running. Already-stopped
// sources make this a no-op, which is what keeps the step rerunnable.
func (m *Manager) stopSource(ctx context.Context, plan *api.MigrationPlan) (bool, error) {
	prov := m.opts.Resolver(plan.SourceProviderType)
	if prov == nil {
		return false, api.NewProviderNotFoundError(plan.SourceProviderType)
	}

	inst, err := prov.GetInstance(ctx, plan.SourceInstanceID)
	if err != nil {
		return false, err
	}
	if inst == nil {
		return false, fmt.Errorf("source instance %s disappeared", plan.SourceInstanceID)
	}
	if inst.Status != api.StatusRunning {
		return true, nil
	}

	stopped, err := prov.StopInstance(ctx, plan.SourceInstanceID, false)
	if err != nil {
		return false, err
	}
	if regErr := m.opts.Registry.UpdateInstance(stopped); regErr != nil {
		logging.Warn("MigrationManager", "Failed to reconcile stopped source %s: %v", plan.SourceInstanceID, regErr)
	}
	return false, nil
}

// exportSourceConfig validates that the configuration needed to recreate
// the source is available. The config itself is re-read from the registry by
// create_target so that a resume after this step still has it.
func (m *Manager) exportSourceConfig(plan *api.MigrationPlan) error {
	inst := m.opts.Registry.GetInstance(plan.SourceInstanceID)
	if inst == nil {
		return api.NewInstanceNotFoundError(plan.SourceInstanceID)
	}
	if inst.Config.Image == "" {
		return fmt.Errorf("source instance %s has no image recorded, cannot recreate", plan.SourceInstanceID)
	}
	return nil
}

// createTarget creates the target instance. Creation is the one step that
// is not naturally idempotent, so the target id is persisted on the plan
// before anything else happens with it; a rerun that finds the id reuses
// the existing target instead of allocating a second one.
func (m *Manager) createTarget(ctx context.Context, plan *api.MigrationPlan) error {
	prov := m.opts.Resolver(plan.TargetProviderType)
	if prov == nil {
		return api.NewProviderNotFoundError(plan.TargetProviderType)
	}

	if plan.TargetInstanceID != "" {
		existing, err := prov.GetInstance(ctx, plan.TargetInstanceID)
		if err != nil {
			return err
		}
		if existing != nil {
			logging.Info("MigrationManager", "Plan %s reusing target instance %s", plan.ID, plan.TargetInstanceID)
			return nil
		}
		logging.Warn("MigrationManager", "Plan %s target %s no longer exists, creating a new one", plan.ID, plan.TargetInstanceID)
	}

	source := m.opts.Registry.GetInstance(plan.SourceInstanceID)
	if source == nil {
		return api.NewInstanceNotFoundError(plan.SourceInstanceID)
	}

	cfg := api.CloneConfig(source.Config)
	cfg.Name = source.Name + "-migrated"

	created, err := prov.CreateInstance(ctx, cfg)
	if err != nil {
		return err
	}

	// Persist the target id before touching the registry; a crash after
	// creation must not lose track of the allocated instance.
	if err := m.setTargetInstance(plan, created.ID); err != nil {
		return err
	}

	if err := m.opts.Registry.RegisterInstance(created); err != nil {
		return fmt.Errorf("target created but registration failed: %w", err)
	}
	return nil
}

func (m *Manager) startTarget(ctx context.Context, plan *api.MigrationPlan) (bool, error) {
	if !plan.StartTarget {
		return true, nil
	}
	prov := m.opts.Resolver(plan.TargetProviderType)
	if prov == nil {
		return false, api.NewProviderNotFoundError(plan.TargetProviderType)
	}

	inst, err := prov.GetInstance(ctx, plan.TargetInstanceID)
	if err != nil {
		return false, err
	}
	if inst == nil {
		return false, fmt.Errorf("target instance %s not found", plan.TargetInstanceID)
	}
	if inst.Status == api.StatusRunning {
		return true, nil
	}

	started, err := prov.StartInstance(ctx, plan.TargetInstanceID)
	if err != nil {
		return false, err
	}
	if regErr := m.opts.Registry.UpdateInstance(started); regErr != nil {
		logging.Warn("MigrationManager", "Failed to reconcile started target %s: %v", plan.TargetInstanceID, regErr)
	}
	return false, nil
}

func (m *Manager) verifyTarget(ctx context.Context, plan *api.MigrationPlan) error {
	prov := m.opts.Resolver(plan.TargetProviderType)
	if prov == nil {
		return api.NewProviderNotFoundError(plan.TargetProviderType)
	}

	inst, err := prov.GetInstance(ctx, plan.TargetInstanceID)
	if err != nil {
		return err
	}
	if inst == nil {
		return fmt.Errorf("target instance %s not found during verification", plan.TargetInstanceID)
	}
	if plan.StartTarget && inst.Status != api.StatusRunning {
		return fmt.Errorf("target instance %s is %s, expected running", plan.TargetInstanceID, inst.Status)
	}

	if regErr := m.opts.Registry.UpdateInstance(inst); regErr != nil {
		logging.Warn("MigrationManager", "Failed to reconcile verified target %s: %v", plan.TargetInstanceID, regErr)
	}
	return nil
}

// cleanupSource deletes the source unless the plan keeps it.
func (m *Manager) cleanupSource(ctx context.Context, plan *api.MigrationPlan) (bool, error) {
	if plan.KeepSource {
		return true, nil
	}

	prov := m.opts.Resolver(plan.SourceProviderType)
	if prov == nil {
		return false, api.NewProviderNotFoundError(plan.SourceProviderType)
	}
	if _, err := prov.DeleteInstance(ctx, plan.SourceInstanceID); err != nil {
		return false, err
	}
	if _, err := m.opts.Registry.RemoveInstance(plan.SourceInstanceID); err != nil {
		return false, err
	}
	return false, nil
}
