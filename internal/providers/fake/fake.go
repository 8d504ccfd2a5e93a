// Package fake provides an in-memory Provider implementation for tests. It
// records every call and lets tests inject failures and canned exec results.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarm/internal/api"
	"swarm/internal/provider"
)

// Fake is an in-memory driver. The zero value is not usable; use New.
type Fake struct {
	mu sync.Mutex

	providerType api.ProviderType
	capabilities provider.Capabilities
	instances    map[string]*api.VSCodeInstance

	// Calls records every operation in invocation order, formatted as
	// "op" or "op:id".
	Calls []string

	// Error injection; nil means the operation succeeds.
	InitErr   error
	CreateErr error
	GetErr    error
	StartErr  error
	StopErr   error
	DeleteErr error
	ExecErr   error

	// ExecResult is returned by ExecuteCommand when ExecErr is nil.
	ExecResult provider.ExecResult

	// ExecDelay simulates slow probes.
	ExecDelay time.Duration

	// CreateStatus overrides the status of created instances; defaults to
	// running.
	CreateStatus api.InstanceStatus
}

// New creates a Fake for the given provider type.
func New(providerType api.ProviderType) *Fake {
	return &Fake{
		providerType: providerType,
		capabilities: provider.Capabilities{
			SupportsMultiRegion: false,
			MaxInstancesPerUser: 100,
			MaxResourcesPerInstance: api.ResourceConfig{
				CPU:     16,
				Memory:  "64g",
				Storage: 500,
			},
		},
		instances:  make(map[string]*api.VSCodeInstance),
		ExecResult: provider.ExecResult{ExitCode: 0, Stdout: "health check\n"},
	}
}

// SetCapabilities replaces the capability set reported by the fake.
func (f *Fake) SetCapabilities(c provider.Capabilities) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capabilities = c
}

// Seed inserts an instance directly, bypassing CreateInstance.
func (f *Fake) Seed(inst *api.VSCodeInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[inst.ID] = inst.Clone()
}

// SetStatus force-sets the driver-observed status of an instance.
func (f *Fake) SetStatus(id string, status api.InstanceStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[id]; ok {
		inst.Status = status
	}
}

// CallsFor returns the recorded calls matching the given operation name.
func (f *Fake) CallsFor(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.Calls {
		if c == op || len(c) > len(op) && c[:len(op)+1] == op+":" {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) record(op string, id string) {
	if id == "" {
		f.Calls = append(f.Calls, op)
	} else {
		f.Calls = append(f.Calls, op+":"+id)
	}
}

// GetType implements provider.Provider.
func (f *Fake) GetType() api.ProviderType { return f.providerType }

// GetCapabilities implements provider.Provider.
func (f *Fake) GetCapabilities() provider.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capabilities
}

// Initialize implements provider.Provider.
func (f *Fake) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("initialize", "")
	if f.InitErr != nil {
		return &api.ProviderInitError{ProviderType: f.providerType, Err: f.InitErr}
	}
	return nil
}

// CreateInstance implements provider.Provider.
func (f *Fake) CreateInstance(ctx context.Context, cfg api.InstanceConfig) (*api.VSCodeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create", cfg.Name)
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}

	status := f.CreateStatus
	if status == "" {
		status = api.StatusRunning
	}

	now := time.Now().UTC()
	inst := &api.VSCodeInstance{
		ID:                 uuid.NewString(),
		Name:               cfg.Name,
		ProviderType:       f.providerType,
		ProviderInstanceID: fmt.Sprintf("fake-%s-%d", cfg.Name, len(f.instances)),
		Status:             status,
		Config:             api.CloneConfig(cfg),
		Resources:          api.InstanceResources{Limit: cfg.Resources},
		Metadata: api.InstanceMetadata{
			Extra: map[string]string{"fakeId": cfg.Name},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.instances[inst.ID] = inst
	return inst.Clone(), nil
}

// GetInstance implements provider.Provider.
func (f *Fake) GetInstance(ctx context.Context, id string) (*api.VSCodeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get", id)
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	return f.instances[id].Clone(), nil
}

// ListInstances implements provider.Provider.
func (f *Fake) ListInstances(ctx context.Context, filter *api.InstanceFilter) ([]*api.VSCodeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list", "")

	var out []*api.VSCodeInstance
	for _, inst := range f.instances {
		if filter != nil && !filter.MatchesStatus(inst.Status) {
			continue
		}
		out = append(out, inst.Clone())
	}
	return out, nil
}

// StartInstance implements provider.Provider.
func (f *Fake) StartInstance(ctx context.Context, id string) (*api.VSCodeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", id)
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	inst, ok := f.instances[id]
	if !ok {
		return nil, api.NewProviderError(f.providerType, "StartInstance", api.ProviderErrKindNotFound,
			fmt.Errorf("no such instance %s", id))
	}
	inst.Status = api.StatusRunning
	inst.UpdatedAt = time.Now().UTC()
	return inst.Clone(), nil
}

// StopInstance implements provider.Provider.
func (f *Fake) StopInstance(ctx context.Context, id string, force bool) (*api.VSCodeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", id)
	if f.StopErr != nil {
		return nil, f.StopErr
	}
	inst, ok := f.instances[id]
	if !ok {
		return nil, api.NewProviderError(f.providerType, "StopInstance", api.ProviderErrKindNotFound,
			fmt.Errorf("no such instance %s", id))
	}
	inst.Status = api.StatusStopped
	inst.UpdatedAt = time.Now().UTC()
	return inst.Clone(), nil
}

// DeleteInstance implements provider.Provider.
func (f *Fake) DeleteInstance(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete", id)
	if f.DeleteErr != nil {
		return false, f.DeleteErr
	}
	if _, ok := f.instances[id]; !ok {
		return false, nil
	}
	delete(f.instances, id)
	return true, nil
}

// UpdateInstance implements provider.Provider.
func (f *Fake) UpdateInstance(ctx context.Context, id string, patch api.ConfigPatch) (*api.VSCodeInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update", id)
	inst, ok := f.instances[id]
	if !ok {
		return nil, api.NewProviderError(f.providerType, "UpdateInstance", api.ProviderErrKindNotFound,
			fmt.Errorf("no such instance %s", id))
	}
	if patch.Resources != nil {
		inst.Config.Resources = *patch.Resources
		inst.Resources.Limit = *patch.Resources
	}
	if patch.Network != nil {
		inst.Config.Network = *patch.Network
	}
	if patch.Env != nil {
		inst.Config.Env = patch.Env
	}
	if patch.Extensions != nil {
		inst.Config.Extensions = patch.Extensions
	}
	inst.UpdatedAt = time.Now().UTC()
	return inst.Clone(), nil
}

// GetInstanceLogs implements provider.Provider.
func (f *Fake) GetInstanceLogs(ctx context.Context, id string, opts provider.LogOptions) (<-chan provider.LogLine, error) {
	f.mu.Lock()
	f.record("logs", id)
	_, ok := f.instances[id]
	f.mu.Unlock()
	if !ok {
		return nil, api.NewProviderError(f.providerType, "GetInstanceLogs", api.ProviderErrKindNotFound,
			fmt.Errorf("no such instance %s", id))
	}

	ch := make(chan provider.LogLine, 1)
	ch <- provider.LogLine{Timestamp: time.Now().UTC(), Message: "fake log line"}
	close(ch)
	return ch, nil
}

// ExecuteCommand implements provider.Provider.
func (f *Fake) ExecuteCommand(ctx context.Context, id string, command []string) (*provider.ExecResult, error) {
	f.mu.Lock()
	f.record("exec", id)
	delay := f.ExecDelay
	execErr := f.ExecErr
	result := f.ExecResult
	_, ok := f.instances[id]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if execErr != nil {
		return nil, execErr
	}
	if !ok {
		return nil, api.NewProviderError(f.providerType, "ExecuteCommand", api.ProviderErrKindNotFound,
			fmt.Errorf("no such instance %s", id))
	}
	r := result
	return &r, nil
}
