package health

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm/internal/api"
	"swarm/internal/config"
	"swarm/internal/provider"
	"swarm/internal/providers/fake"
	"swarm/internal/registry"
	"swarm/internal/storage"
)

type fixture struct {
	monitor  *Monitor
	registry *registry.Registry
	provider *fake.Fake
	stateDir string
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	dir := t.TempDir()
	store := storage.NewStore(dir)

	reg := registry.New(registry.Options{Store: store, LoadStateOnStartup: false})
	require.NoError(t, reg.Initialize())
	t.Cleanup(func() { reg.Dispose() })

	prov := fake.New(api.ProviderTypeDocker)

	opts := Options{
		Store:    store,
		Registry: reg,
		Resolver: func(pt api.ProviderType) provider.Provider {
			if pt == api.ProviderTypeDocker {
				return prov
			}
			return nil
		},
		Enabled:             false,
		CheckInterval:       time.Minute,
		AutoRecover:         false,
		MaxRecoveryAttempts: 3,
		HistorySize:         10,
		RecoveryActions:     config.RecoveryActions{Restart: true},
	}
	if mutate != nil {
		mutate(&opts)
	}

	m := New(opts)
	require.NoError(t, m.Initialize())
	t.Cleanup(func() { m.Dispose() })

	return &fixture{monitor: m, registry: reg, provider: prov, stateDir: dir}
}

// seedRunning registers the same running instance with both the registry and
// the fake driver.
func (f *fixture) seedRunning(t *testing.T, id string) *api.VSCodeInstance {
	t.Helper()
	inst := &api.VSCodeInstance{
		ID:           id,
		Name:         "vscode-" + id,
		ProviderType: api.ProviderTypeDocker,
		Status:       api.StatusRunning,
		Config:       api.InstanceConfig{Name: "vscode-" + id, Image: "img"},
	}
	require.NoError(t, f.registry.RegisterInstance(inst))
	f.provider.Seed(inst)
	return inst
}

func TestCheckInstanceHealth_Healthy(t *testing.T) {
	f := newFixture(t, nil)
	f.seedRunning(t, "i-1")

	result, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
	require.NoError(t, err)

	assert.Equal(t, api.HealthHealthy, result.Status)
	assert.GreaterOrEqual(t, result.Details.ResponseTimeMs, int64(0))

	record := f.monitor.GetInstanceHealth("i-1")
	require.NotNil(t, record)
	require.NotEmpty(t, record.History)
	assert.Equal(t, api.HealthHealthy, record.History[0].Status)
}

func TestCheckInstanceHealth_UnknownInstance(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.monitor.CheckInstanceHealth(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}

func TestCheckInstanceHealth_NotRunningIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.seedRunning(t, "i-1")
	inst.Status = api.StatusStopped
	require.NoError(t, f.registry.UpdateInstance(inst))

	result, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
	require.NoError(t, err)

	assert.Equal(t, api.HealthUnknown, result.Status)
	assert.Contains(t, result.Details.Message, "not running")
	// The driver was never probed.
	assert.Empty(t, f.provider.CallsFor("exec"))
}

func TestCheckInstanceHealth_ProviderMissing(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Resolver = func(api.ProviderType) provider.Provider { return nil }
	})
	f.seedRunning(t, "i-1")

	result, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, api.HealthUnknown, result.Status)
	assert.Equal(t, "Provider not found", result.Details.Message)
}

func TestCheckInstanceHealth_GoneFromProvider(t *testing.T) {
	f := newFixture(t, nil)
	inst := f.seedRunning(t, "i-1")
	_, err := f.provider.DeleteInstance(context.Background(), inst.ID)
	require.NoError(t, err)

	result, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, api.HealthUnhealthy, result.Status)
	assert.Equal(t, "Instance not found in provider", result.Details.Message)
}

func TestCheckInstanceHealth_NotRunningInProvider(t *testing.T) {
	f := newFixture(t, nil)
	f.seedRunning(t, "i-1")
	f.provider.SetStatus("i-1", api.StatusStopped)

	result, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, api.HealthUnhealthy, result.Status)
	assert.Equal(t, "stopped", result.Details.ObservedStatus)
}

func TestCheckInstanceHealth_CommandFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.seedRunning(t, "i-1")
	f.provider.ExecResult = provider.ExecResult{ExitCode: 1, Stderr: "boom"}

	result, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, api.HealthUnhealthy, result.Status)
	assert.Equal(t, "boom", result.Details.Error)
}

func TestCheckInstanceHealth_ProbeErrorIsUnhealthy(t *testing.T) {
	f := newFixture(t, nil)
	f.seedRunning(t, "i-1")
	f.provider.ExecErr = errors.New("transport torn down")

	result, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, api.HealthUnhealthy, result.Status)
	assert.Contains(t, result.Details.Error, "transport torn down")
}

func TestCheckInstanceHealth_Timeout(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		// interval/2 = 25ms is raised to the 1s probe floor; the exec takes 2s.
		o.CheckInterval = 50 * time.Millisecond
	})
	f.seedRunning(t, "i-1")
	f.provider.ExecDelay = 2 * time.Second

	result, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, api.HealthUnknown, result.Status)
	assert.Equal(t, "Timed out", result.Details.Message)
}

func TestHealthHistory_Bounded(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.HistorySize = 1 })
	f.seedRunning(t, "i-1")

	for i := 0; i < 3; i++ {
		_, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
		require.NoError(t, err)
	}

	record := f.monitor.GetInstanceHealth("i-1")
	require.NotNil(t, record)
	assert.Len(t, record.History, 1)
}

func TestHealthRecord_PersistedAndReloaded(t *testing.T) {
	f := newFixture(t, nil)
	f.seedRunning(t, "i-1")

	_, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(f.stateDir, "health", "i-1.json"))
	require.NoError(t, f.monitor.Dispose())

	reloaded := New(Options{
		Store:       storage.NewStore(f.stateDir),
		Registry:    f.registry,
		Resolver:    func(api.ProviderType) provider.Provider { return f.provider },
		HistorySize: 10,
	})
	require.NoError(t, reloaded.Initialize())
	defer reloaded.Dispose()

	record := reloaded.GetInstanceHealth("i-1")
	require.NotNil(t, record)
	assert.Equal(t, api.HealthHealthy, record.Status)
	assert.False(t, record.LastChecked.IsZero())
}

func TestAutoRecovery_RestartsUnhealthyInstance(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoRecover = true })
	f.seedRunning(t, "i-1")
	f.provider.ExecResult = provider.ExecResult{ExitCode: 1, Stderr: "boom"}

	result, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
	require.NoError(t, err)
	require.Equal(t, api.HealthUnhealthy, result.Status)

	// Recovery runs fire-and-forget: the provider sees stop then start and
	// the history gains a recovering entry.
	require.Eventually(t, func() bool {
		return len(f.provider.CallsFor("stop")) == 1 && len(f.provider.CallsFor("start")) == 1
	}, 5*time.Second, 20*time.Millisecond, "provider never saw restart sequence")

	require.Eventually(t, func() bool {
		record := f.monitor.GetInstanceHealth("i-1")
		if record == nil {
			return false
		}
		for _, entry := range record.History {
			if entry.Status == api.HealthRecovering && entry.Details.Message == "Instance restarted for recovery" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "no recovering history entry recorded")
}

func TestAutoRecovery_AttemptCap(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.AutoRecover = true
		o.MaxRecoveryAttempts = 1
	})
	f.seedRunning(t, "i-1")
	f.provider.ExecResult = provider.ExecResult{ExitCode: 1, Stderr: "boom"}

	for i := 0; i < 3; i++ {
		_, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(f.provider.CallsFor("stop")) >= 1
	}, 5*time.Second, 20*time.Millisecond)
	// Give any stray recovery goroutines a chance to run, then confirm the
	// cap held at one restart.
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, f.provider.CallsFor("stop"), 1)
}

func TestRecoverInstance_FailureRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.seedRunning(t, "i-1")
	f.provider.StopErr = errors.New("cannot stop")

	ok, err := f.monitor.RecoverInstance(context.Background(), "i-1")
	require.Error(t, err)
	assert.False(t, ok)

	record := f.monitor.GetInstanceHealth("i-1")
	require.NotNil(t, record)
	assert.Equal(t, api.HealthUnhealthy, record.Status)
	assert.Contains(t, record.Details.Error, "cannot stop")
}

func TestRecoverInstance_RecreateAction(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RecoveryActions = config.RecoveryActions{Recreate: true}
	})
	f.seedRunning(t, "i-1")

	ok, err := f.monitor.RecoverInstance(context.Background(), "i-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Old record gone, replacement registered under a new id.
	assert.Nil(t, f.registry.GetInstance("i-1"))
	assert.Equal(t, 1, f.registry.GetInstanceCount(api.ProviderTypeDocker))
	assert.Len(t, f.provider.CallsFor("delete"), 1)
	assert.Len(t, f.provider.CallsFor("create"), 1)
}

func TestScheduler_DisabledStillChecksSynchronously(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Enabled = false
		o.CheckInterval = 0
	})
	f.seedRunning(t, "i-1")

	result, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, api.HealthHealthy, result.Status)
}

func TestScheduler_TickProbesRunningInstances(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Enabled = true
		o.CheckInterval = 30 * time.Millisecond
	})
	f.seedRunning(t, "i-1")

	require.Eventually(t, func() bool {
		return f.monitor.GetInstanceHealth("i-1") != nil
	}, 5*time.Second, 10*time.Millisecond, "scheduler never probed the instance")
}

func TestListInstanceHealth_FiltersByStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.seedRunning(t, "i-1")
	f.seedRunning(t, "i-2")

	_, err := f.monitor.CheckInstanceHealth(context.Background(), "i-1")
	require.NoError(t, err)
	f.provider.ExecResult = provider.ExecResult{ExitCode: 1, Stderr: "boom"}
	_, err = f.monitor.CheckInstanceHealth(context.Background(), "i-2")
	require.NoError(t, err)

	healthy := f.monitor.ListInstanceHealth(api.HealthHealthy)
	require.Len(t, healthy, 1)
	assert.Equal(t, "i-1", healthy[0].InstanceID)

	assert.Len(t, f.monitor.ListInstanceHealth(""), 2)
}

func TestDispose_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.monitor.Dispose())
	require.NoError(t, f.monitor.Dispose())
}
