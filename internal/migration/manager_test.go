package migration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm/internal/api"
	"swarm/internal/provider"
	"swarm/internal/providers/fake"
	"swarm/internal/registry"
	"swarm/internal/storage"
)

type fixture struct {
	manager  *Manager
	registry *registry.Registry
	store    *storage.Store
	source   *fake.Fake
	target   *fake.Fake
	stateDir string
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	dir := t.TempDir()
	store := storage.NewStore(dir)

	reg := registry.New(registry.Options{Store: store, LoadStateOnStartup: false})
	require.NoError(t, reg.Initialize())
	t.Cleanup(func() { reg.Dispose() })

	source := fake.New(api.ProviderTypeDocker)
	target := fake.New(api.ProviderTypeFlyio)

	opts := Options{
		Store:    store,
		Registry: reg,
		Resolver: func(pt api.ProviderType) provider.Provider {
			switch pt {
			case api.ProviderTypeDocker:
				return source
			case api.ProviderTypeFlyio:
				return target
			default:
				return nil
			}
		},
		Enabled:         true,
		DefaultStrategy: api.StrategyStopAndRecreate,
		DefaultTimeout:  time.Minute,
		DefaultStart:    true,
	}
	if mutate != nil {
		mutate(&opts)
	}

	m := New(opts)
	require.NoError(t, m.Initialize())
	t.Cleanup(func() { m.Dispose() })

	return &fixture{manager: m, registry: reg, store: store, source: source, target: target, stateDir: dir}
}

func (f *fixture) seedSource(t *testing.T, id string) *api.VSCodeInstance {
	t.Helper()
	inst := &api.VSCodeInstance{
		ID:           id,
		Name:         "vscode-a",
		ProviderType: api.ProviderTypeDocker,
		Status:       api.StatusRunning,
		Config: api.InstanceConfig{
			Name:          "vscode-a",
			Image:         "codercom/code-server:latest",
			WorkspacePath: "/ws",
		},
	}
	require.NoError(t, f.registry.RegisterInstance(inst))
	f.source.Seed(inst)
	return inst
}

func stepNames(steps []api.MigrationStep) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}

func TestGenerateSteps_StopAndRecreate(t *testing.T) {
	steps := generateSteps(api.StrategyStopAndRecreate)
	assert.Equal(t, []string{
		"prepare", "validate_source", "validate_target_provider",
		"stop_source", "export_source_config", "create_target",
		"start_target", "verify_target", "cleanup_source", "complete",
	}, stepNames(steps))
	for _, s := range steps {
		assert.Equal(t, api.StepPending, s.Status)
	}
}

func TestGenerateSteps_CreateThenStop(t *testing.T) {
	steps := generateSteps(api.StrategyCreateThenStop)
	assert.Equal(t, []string{
		"prepare", "validate_source", "validate_target_provider",
		"export_source_config", "create_target", "start_target",
		"verify_target", "stop_source", "cleanup_source", "complete",
	}, stepNames(steps))
}

func TestCreateMigrationPlan(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource(t, "src-1")

	plan, err := f.manager.CreateMigrationPlan(context.Background(), "src-1", api.ProviderTypeFlyio, nil)
	require.NoError(t, err)

	assert.Equal(t, api.MigrationPending, plan.Status)
	assert.Equal(t, api.ProviderTypeDocker, plan.SourceProviderType)
	assert.Equal(t, api.ProviderTypeFlyio, plan.TargetProviderType)
	assert.Equal(t, api.StrategyStopAndRecreate, plan.Strategy)
	assert.Equal(t, 60, plan.TimeoutSeconds)
	assert.Len(t, plan.Steps, 10)
	assert.Equal(t, 0, plan.CurrentStepIndex)
}

func TestCreateMigrationPlan_Failures(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource(t, "src-1")

	_, err := f.manager.CreateMigrationPlan(context.Background(), "ghost", api.ProviderTypeFlyio, nil)
	assert.True(t, api.IsNotFound(err))

	_, err = f.manager.CreateMigrationPlan(context.Background(), "src-1", "gcp", nil)
	assert.True(t, api.IsNotFound(err))

	_, err = f.manager.CreateMigrationPlan(context.Background(), "src-1", api.ProviderTypeFlyio,
		&api.MigrationOptions{Strategy: "teleport"})
	assert.True(t, api.IsValidation(err))
}

func TestCreateMigrationPlan_DisabledByConfig(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Enabled = false })
	f.seedSource(t, "src-1")

	_, err := f.manager.CreateMigrationPlan(context.Background(), "src-1", api.ProviderTypeFlyio, nil)
	assert.True(t, api.IsValidation(err))
}

func TestStartMigration_StopAndRecreate(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource(t, "src-1")

	plan, err := f.manager.CreateMigrationPlan(context.Background(), "src-1", api.ProviderTypeFlyio, nil)
	require.NoError(t, err)

	result, err := f.manager.StartMigration(context.Background(), plan.ID)
	require.NoError(t, err)
	require.True(t, result.Success, "migration failed: %s", result.Error)

	require.NotNil(t, result.TargetInstance)
	assert.Equal(t, api.ProviderTypeFlyio, result.TargetInstance.ProviderType)
	assert.Equal(t, "vscode-a-migrated", result.TargetInstance.Name)
	assert.Equal(t, api.StatusRunning, result.TargetInstance.Status)

	// Registry holds the target and no longer holds the source.
	assert.Nil(t, f.registry.GetInstance("src-1"))
	assert.NotNil(t, f.registry.GetInstance(result.TargetInstance.ID))

	// The source was stopped before the target was created, then deleted.
	assert.Len(t, f.source.CallsFor("stop"), 1)
	assert.Len(t, f.source.CallsFor("delete"), 1)
	assert.Len(t, f.target.CallsFor("create"), 1)

	final := f.manager.GetMigrationPlan(plan.ID)
	assert.Equal(t, api.MigrationCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	for _, step := range final.Steps {
		assert.Contains(t, []api.MigrationStepStatus{api.StepCompleted, api.StepSkipped}, step.Status,
			"step %s left in %s", step.Name, step.Status)
	}
}

func TestStartMigration_KeepSource(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource(t, "src-1")

	keep := true
	plan, err := f.manager.CreateMigrationPlan(context.Background(), "src-1", api.ProviderTypeFlyio,
		&api.MigrationOptions{KeepSource: &keep})
	require.NoError(t, err)

	result, err := f.manager.StartMigration(context.Background(), plan.ID)
	require.NoError(t, err)
	require.True(t, result.Success, "migration failed: %s", result.Error)

	assert.NotNil(t, f.registry.GetInstance("src-1"))
	assert.Empty(t, f.source.CallsFor("delete"))
}

func TestStartMigration_StepFailureFailsPlan(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource(t, "src-1")
	f.target.CreateErr = errors.New("capacity exhausted")

	plan, err := f.manager.CreateMigrationPlan(context.Background(), "src-1", api.ProviderTypeFlyio, nil)
	require.NoError(t, err)

	result, err := f.manager.StartMigration(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Failed to execute step create_target")

	final := f.manager.GetMigrationPlan(plan.ID)
	assert.Equal(t, api.MigrationFailed, final.Status)
	// The source stays registered after a failed migration.
	assert.NotNil(t, f.registry.GetInstance("src-1"))
}

func TestStartMigration_RejectsNonPending(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource(t, "src-1")

	plan, err := f.manager.CreateMigrationPlan(context.Background(), "src-1", api.ProviderTypeFlyio, nil)
	require.NoError(t, err)
	_, err = f.manager.StartMigration(context.Background(), plan.ID)
	require.NoError(t, err)

	_, err = f.manager.StartMigration(context.Background(), plan.ID)
	require.Error(t, err)
	assert.True(t, api.IsValidation(err))
}

func TestStartMigration_ZeroTimeoutTimesOut(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource(t, "src-1")

	zero := 0
	plan, err := f.manager.CreateMigrationPlan(context.Background(), "src-1", api.ProviderTypeFlyio,
		&api.MigrationOptions{TimeoutSeconds: &zero})
	require.NoError(t, err)

	result, err := f.manager.StartMigration(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)

	require.Eventually(t, func() bool {
		return f.manager.GetMigrationPlan(plan.ID).Status == api.MigrationTimedOut
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Migration timed out", f.manager.GetMigrationPlan(plan.ID).Error)
}

func TestCancelMigration_PendingPlan(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource(t, "src-1")

	plan, err := f.manager.CreateMigrationPlan(context.Background(), "src-1", api.ProviderTypeFlyio, nil)
	require.NoError(t, err)

	cancelled, err := f.manager.CancelMigration(plan.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, api.MigrationCancelled, f.manager.GetMigrationPlan(plan.ID).Status)

	// Terminal plans report false on a second cancel and stay cancelled.
	cancelled, err = f.manager.CancelMigration(plan.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, api.MigrationCancelled, f.manager.GetMigrationPlan(plan.ID).Status)
}

func TestCancelMigration_UnknownPlan(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.manager.CancelMigration("ghost")
	assert.True(t, api.IsNotFound(err))
}

// blockingProvider wraps the fake driver and parks StopInstance until
// released, so tests can cancel a migration mid-step.
type blockingProvider struct {
	*fake.Fake
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingProvider) StopInstance(ctx context.Context, id string, force bool) (*api.VSCodeInstance, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Fake.StopInstance(ctx, id, force)
}

func TestCancelMigration_CooperativeWithRunningExecutor(t *testing.T) {
	blocking := &blockingProvider{
		Fake:    fake.New(api.ProviderTypeDocker),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	f := newFixture(t, func(o *Options) {
		base := o.Resolver
		o.Resolver = func(pt api.ProviderType) provider.Provider {
			if pt == api.ProviderTypeDocker {
				return blocking
			}
			return base(pt)
		}
	})
	inst := f.seedSource(t, "src-1")
	blocking.Seed(inst)

	plan, err := f.manager.CreateMigrationPlan(context.Background(), "src-1", api.ProviderTypeFlyio, nil)
	require.NoError(t, err)

	type outcome struct {
		result *api.MigrationResult
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		result, err := f.manager.StartMigration(context.Background(), plan.ID)
		resultCh <- outcome{result, err}
	}()

	// Wait until the executor is inside stop_source, then cancel.
	select {
	case <-blocking.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never reached stop_source")
	}
	cancelled, err := f.manager.CancelMigration(plan.ID)
	require.NoError(t, err)
	require.True(t, cancelled)
	close(blocking.release)

	var got outcome
	select {
	case got = <-resultCh:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never returned")
	}
	require.NoError(t, got.err)
	result := got.result

	assert.False(t, result.Success)
	final := f.manager.GetMigrationPlan(plan.ID)
	assert.Equal(t, api.MigrationCancelled, final.Status)
	// The in-flight step's completion was discarded: no step after
	// stop_source ever ran.
	assert.Empty(t, f.target.CallsFor("create"))
	assert.Equal(t, api.StepInProgress, final.Steps[3].Status)
}

func TestResumeMigration_ReusesPersistedTarget(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewStore(dir)

	reg := registry.New(registry.Options{Store: store, LoadStateOnStartup: false})
	require.NoError(t, reg.Initialize())
	defer reg.Dispose()

	source := fake.New(api.ProviderTypeDocker)
	target := fake.New(api.ProviderTypeFlyio)

	sourceInst := &api.VSCodeInstance{
		ID:           "src-1",
		Name:         "vscode-a",
		ProviderType: api.ProviderTypeDocker,
		Status:       api.StatusStopped,
		Config:       api.InstanceConfig{Name: "vscode-a", Image: "img"},
	}
	require.NoError(t, reg.RegisterInstance(sourceInst))
	source.Seed(sourceInst)

	targetInst := &api.VSCodeInstance{
		ID:           "tgt-1",
		Name:         "vscode-a-migrated",
		ProviderType: api.ProviderTypeFlyio,
		Status:       api.StatusRunning,
		Config:       api.InstanceConfig{Name: "vscode-a-migrated", Image: "img"},
	}
	require.NoError(t, reg.RegisterInstance(targetInst))
	target.Seed(targetInst)

	// A crash left the plan mid-flight: steps up to export completed, the
	// target already allocated and recorded, create_target interrupted.
	plan := &api.MigrationPlan{
		ID:                 "plan-1",
		SourceInstanceID:   "src-1",
		SourceProviderType: api.ProviderTypeDocker,
		TargetProviderType: api.ProviderTypeFlyio,
		Strategy:           api.StrategyStopAndRecreate,
		StartTarget:        true,
		TimeoutSeconds:     60,
		CreatedAt:          time.Now().UTC().Add(-time.Minute),
		ExpiresAt:          time.Now().UTC().Add(time.Minute),
		Steps:              generateSteps(api.StrategyStopAndRecreate),
		CurrentStepIndex:   5,
		Status:             api.MigrationInProgress,
		TargetInstanceID:   "tgt-1",
	}
	for i := 0; i < 5; i++ {
		plan.Steps[i].Status = api.StepCompleted
	}
	plan.Steps[5].Status = api.StepInProgress
	require.NoError(t, store.SaveJSON("migrations", plan.ID, plan))

	m := New(Options{
		Store:    store,
		Registry: reg,
		Resolver: func(pt api.ProviderType) provider.Provider {
			if pt == api.ProviderTypeDocker {
				return source
			}
			return target
		},
		Enabled:        true,
		DefaultTimeout: time.Minute,
	})
	require.NoError(t, m.Initialize())
	defer m.Dispose()

	require.Eventually(t, func() bool {
		return m.GetMigrationPlan("plan-1").Status == api.MigrationCompleted
	}, 5*time.Second, 10*time.Millisecond, "resumed plan never completed")

	// The persisted target id was reused: no second instance was created.
	assert.Empty(t, target.CallsFor("create"))
	assert.Equal(t, "tgt-1", m.GetMigrationPlan("plan-1").TargetInstanceID)
}

func TestResumeMigration_ExpiredPlanTimesOut(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewStore(dir)

	reg := registry.New(registry.Options{Store: store, LoadStateOnStartup: false})
	require.NoError(t, reg.Initialize())
	defer reg.Dispose()

	plan := &api.MigrationPlan{
		ID:                 "plan-1",
		SourceInstanceID:   "src-1",
		SourceProviderType: api.ProviderTypeDocker,
		TargetProviderType: api.ProviderTypeFlyio,
		Strategy:           api.StrategyStopAndRecreate,
		TimeoutSeconds:     60,
		CreatedAt:          time.Now().UTC().Add(-time.Hour),
		ExpiresAt:          time.Now().UTC().Add(-30 * time.Minute),
		Steps:              generateSteps(api.StrategyStopAndRecreate),
		Status:             api.MigrationInProgress,
	}
	require.NoError(t, store.SaveJSON("migrations", plan.ID, plan))

	m := New(Options{
		Store:          store,
		Registry:       reg,
		Resolver:       func(api.ProviderType) provider.Provider { return nil },
		Enabled:        true,
		DefaultTimeout: time.Minute,
	})
	require.NoError(t, m.Initialize())
	defer m.Dispose()

	got := m.GetMigrationPlan("plan-1")
	assert.Equal(t, api.MigrationTimedOut, got.Status)
	assert.Equal(t, "Migration timed out", got.Error)
}

func TestListMigrationPlans(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource(t, "src-1")

	p1, err := f.manager.CreateMigrationPlan(context.Background(), "src-1", api.ProviderTypeFlyio, nil)
	require.NoError(t, err)
	_, err = f.manager.CreateMigrationPlan(context.Background(), "src-1", api.ProviderTypeFlyio, nil)
	require.NoError(t, err)

	_, err = f.manager.CancelMigration(p1.ID)
	require.NoError(t, err)

	assert.Len(t, f.manager.ListMigrationPlans(""), 2)
	assert.Len(t, f.manager.ListMigrationPlans(api.MigrationPending), 1)
	assert.Len(t, f.manager.ListMigrationPlans(api.MigrationCancelled), 1)
}

func TestPlanPersistence_RoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSource(t, "src-1")

	plan, err := f.manager.CreateMigrationPlan(context.Background(), "src-1", api.ProviderTypeFlyio, nil)
	require.NoError(t, err)

	var reloaded api.MigrationPlan
	require.NoError(t, f.store.LoadJSON("migrations", plan.ID, &reloaded))
	assert.Equal(t, plan.ID, reloaded.ID)
	assert.Equal(t, plan.Strategy, reloaded.Strategy)
	assert.Equal(t, stepNames(plan.Steps), stepNames(reloaded.Steps))
	assert.True(t, reloaded.CreatedAt.Equal(plan.CreatedAt))
	assert.True(t, reloaded.ExpiresAt.Equal(plan.ExpiresAt))
}
