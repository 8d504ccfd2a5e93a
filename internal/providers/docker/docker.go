// Package docker implements the Provider contract on top of a Docker
// engine. Containers are labelled with the control-plane instance id so the
// driver can recover every instance from the engine alone after a restart.
package docker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"swarm/internal/api"
	"swarm/internal/provider"
	"swarm/pkg/logging"
)

const (
	labelInstanceID   = "swarm.instance.id"
	labelInstanceName = "swarm.instance.name"
	labelManaged      = "swarm.managed"

	stopGracePeriodSeconds = 10
)

func init() {
	provider.Register(api.ProviderTypeDocker, func(cfg map[string]interface{}) (provider.Provider, error) {
		return New(cfg)
	})
}

// Driver implements provider.Provider against a Docker engine.
type Driver struct {
	cli client.APIClient
}

// New constructs a Docker driver. The provider config map supports an
// optional "host" entry overriding DOCKER_HOST.
func New(cfg map[string]interface{}) (*Driver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host, ok := cfg["host"].(string); ok && host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Driver{cli: cli}, nil
}

// NewWithClient wires an existing API client; used by tests.
func NewWithClient(cli client.APIClient) *Driver {
	return &Driver{cli: cli}
}

// GetType implements provider.Provider.
func (d *Driver) GetType() api.ProviderType { return api.ProviderTypeDocker }

// GetCapabilities implements provider.Provider.
func (d *Driver) GetCapabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsLiveResize:   true,
		SupportsSnapshotting: true,
		SupportsMultiRegion:  false,
		MaxInstancesPerUser:  50,
		MaxResourcesPerInstance: api.ResourceConfig{
			CPU:     16,
			Memory:  "64g",
			Storage: 500,
		},
	}
}

// Initialize verifies the engine is reachable.
func (d *Driver) Initialize(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return &api.ProviderInitError{ProviderType: api.ProviderTypeDocker, Err: err}
	}
	return nil
}

// CreateInstance allocates a workspace volume and a container, starts the
// container, and returns the observed instance. On partial failure every
// allocated resource is removed again.
func (d *Driver) CreateInstance(ctx context.Context, cfg api.InstanceConfig) (*api.VSCodeInstance, error) {
	if cfg.Name == "" {
		return nil, api.NewValidationError("name", "instance name cannot be empty")
	}
	if cfg.Image == "" {
		return nil, api.NewValidationError("image", "instance image cannot be empty")
	}

	instanceID := uuid.NewString()

	var memoryBytes int64
	if cfg.Resources.Memory != "" {
		var err error
		memoryBytes, err = units.RAMInBytes(cfg.Resources.Memory)
		if err != nil {
			return nil, api.NewValidationError("resources.memory", "invalid memory size %q: %v", cfg.Resources.Memory, err)
		}
	}

	exposed, bindings, err := portBindings(cfg.Network.Ports)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		labelInstanceID:   instanceID,
		labelInstanceName: cfg.Name,
		labelManaged:      "true",
	}

	volumeName := "swarm-" + instanceID + "-workspace"
	if _, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: volumeName, Labels: labels}); err != nil {
		return nil, d.translate("CreateInstance", err)
	}

	env := make([]string, 0, len(cfg.Env)+1)
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	if cfg.Auth.Type == "password" {
		if pw, ok := cfg.Auth.Credentials["password"]; ok {
			env = append(env, "PASSWORD="+pw)
		}
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposed,
		WorkingDir:   cfg.WorkspacePath,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Binds:        []string{volumeName + ":" + cfg.WorkspacePath},
		Resources: container.Resources{
			Memory:   memoryBytes,
			NanoCPUs: int64(cfg.Resources.CPU * 1e9),
		},
	}

	created, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "swarm-"+cfg.Name+"-"+instanceID[:8])
	if err != nil {
		d.removeVolume(ctx, volumeName)
		return nil, d.translate("CreateInstance", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Roll back completely rather than leaving a dead container around.
		d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		d.removeVolume(ctx, volumeName)
		return nil, d.translate("CreateInstance", err)
	}

	inst, err := d.inspect(ctx, created.ID)
	if err != nil {
		d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		d.removeVolume(ctx, volumeName)
		return nil, err
	}

	logging.Info("DockerProvider", "Created instance %s (container %s)", instanceID, created.ID[:12])
	return inst, nil
}

func (d *Driver) removeVolume(ctx context.Context, name string) {
	if err := d.cli.VolumeRemove(ctx, name, true); err != nil && !errdefs.IsNotFound(err) {
		logging.Warn("DockerProvider", "Failed to remove volume %s: %v", name, err)
	}
}

// GetInstance resolves the container by instance-id label and inspects it.
func (d *Driver) GetInstance(ctx context.Context, id string) (*api.VSCodeInstance, error) {
	containerID, err := d.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if containerID == "" {
		return nil, nil
	}
	return d.inspect(ctx, containerID)
}

// ListInstances returns every managed container as an instance.
func (d *Driver) ListInstances(ctx context.Context, filter *api.InstanceFilter) ([]*api.VSCodeInstance, error) {
	args := filters.NewArgs(filters.Arg("label", labelManaged+"=true"))
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, d.translate("ListInstances", err)
	}

	var out []*api.VSCodeInstance
	for _, summary := range summaries {
		inst, err := d.inspect(ctx, summary.ID)
		if err != nil {
			logging.Warn("DockerProvider", "Skipping container %s: %v", summary.ID[:12], err)
			continue
		}
		if filter != nil && !filter.MatchesStatus(inst.Status) {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// StartInstance starts the container and waits for the running state.
func (d *Driver) StartInstance(ctx context.Context, id string) (*api.VSCodeInstance, error) {
	containerID, err := d.mustResolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, d.translate("StartInstance", err)
	}
	return d.inspect(ctx, containerID)
}

// StopInstance stops the container; force kills it immediately.
func (d *Driver) StopInstance(ctx context.Context, id string, force bool) (*api.VSCodeInstance, error) {
	containerID, err := d.mustResolve(ctx, id)
	if err != nil {
		return nil, err
	}

	if force {
		if err := d.cli.ContainerKill(ctx, containerID, "SIGKILL"); err != nil && !errdefs.IsConflict(err) {
			return nil, d.translate("StopInstance", err)
		}
	} else {
		timeout := stopGracePeriodSeconds
		if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
			return nil, d.translate("StopInstance", err)
		}
	}
	return d.inspect(ctx, containerID)
}

// DeleteInstance removes the container and its workspace volume.
func (d *Driver) DeleteInstance(ctx context.Context, id string) (bool, error) {
	containerID, err := d.resolve(ctx, id)
	if err != nil {
		return false, err
	}
	if containerID == "" {
		return false, nil
	}

	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, d.translate("DeleteInstance", err)
	}
	d.removeVolume(ctx, "swarm-"+id+"-workspace")
	return true, nil
}

// UpdateInstance applies resource changes live via the engine. Other patch
// fields need a recreate and are rejected.
func (d *Driver) UpdateInstance(ctx context.Context, id string, patch api.ConfigPatch) (*api.VSCodeInstance, error) {
	if patch.Network != nil || patch.Env != nil || patch.Extensions != nil {
		return nil, api.NewValidationError("patch", "docker provider only supports live resource updates")
	}

	containerID, err := d.mustResolve(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Resources != nil {
		memoryBytes, err := units.RAMInBytes(patch.Resources.Memory)
		if err != nil {
			return nil, api.NewValidationError("resources.memory", "invalid memory size %q: %v", patch.Resources.Memory, err)
		}
		update := container.UpdateConfig{
			Resources: container.Resources{
				Memory:   memoryBytes,
				NanoCPUs: int64(patch.Resources.CPU * 1e9),
			},
		}
		if _, err := d.cli.ContainerUpdate(ctx, containerID, update); err != nil {
			return nil, d.translate("UpdateInstance", err)
		}
	}
	return d.inspect(ctx, containerID)
}

// ExecuteCommand runs a command inside the container and captures exit code
// and output.
func (d *Driver) ExecuteCommand(ctx context.Context, id string, command []string) (*provider.ExecResult, error) {
	containerID, err := d.mustResolve(ctx, id)
	if err != nil {
		return nil, err
	}

	execCreate, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, d.translate("ExecuteCommand", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execCreate.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, d.translate("ExecuteCommand", err)
	}
	defer attach.Close()

	stdout, stderr, err := demux(attach.Reader)
	if err != nil {
		return nil, api.NewProviderError(api.ProviderTypeDocker, "ExecuteCommand", api.ProviderErrKindInternal, err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return nil, d.translate("ExecuteCommand", err)
	}

	return &provider.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}, nil
}

// resolve maps a control-plane instance id to a container id; "" when the
// engine has no such container.
func (d *Driver) resolve(ctx context.Context, id string) (string, error) {
	args := filters.NewArgs(filters.Arg("label", labelInstanceID+"="+id))
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", d.translate("GetInstance", err)
	}
	if len(summaries) == 0 {
		return "", nil
	}
	return summaries[0].ID, nil
}

func (d *Driver) mustResolve(ctx context.Context, id string) (string, error) {
	containerID, err := d.resolve(ctx, id)
	if err != nil {
		return "", err
	}
	if containerID == "" {
		return "", api.NewProviderError(api.ProviderTypeDocker, "resolve", api.ProviderErrKindNotFound,
			fmt.Errorf("no container labelled %s=%s", labelInstanceID, id))
	}
	return containerID, nil
}

// inspect converts engine state into a VSCodeInstance.
func (d *Driver) inspect(ctx context.Context, containerID string) (*api.VSCodeInstance, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, d.translate("GetInstance", err)
	}

	instanceID := info.Config.Labels[labelInstanceID]
	name := info.Config.Labels[labelInstanceName]

	inst := &api.VSCodeInstance{
		ID:                 instanceID,
		Name:               name,
		ProviderType:       api.ProviderTypeDocker,
		ProviderInstanceID: info.ID,
		Status:             translateState(info.State),
		Metadata: api.InstanceMetadata{
			Docker: &api.DockerMetadata{ContainerID: info.ID},
		},
	}

	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		inst.CreatedAt = created
	}
	inst.UpdatedAt = time.Now().UTC()

	if info.NetworkSettings != nil {
		inst.Network.InternalIP = info.NetworkSettings.IPAddress
		for portProto, hostBindings := range info.NetworkSettings.Ports {
			for _, binding := range hostBindings {
				hostPort, _ := strconv.Atoi(binding.HostPort)
				inst.Network.Ports = append(inst.Network.Ports, api.PortMapping{
					ContainerPort: portProto.Int(),
					HostPort:      hostPort,
					Protocol:      portProto.Proto(),
				})
				if hostPort > 0 {
					inst.Network.URLs = append(inst.Network.URLs, fmt.Sprintf("http://localhost:%d", hostPort))
				}
			}
		}
	}

	if info.HostConfig != nil {
		inst.Resources.Limit = api.ResourceConfig{
			CPU:    float64(info.HostConfig.NanoCPUs) / 1e9,
			Memory: units.BytesSize(float64(info.HostConfig.Memory)),
		}
	}

	return inst, nil
}

// translateState maps engine container state to the instance lifecycle tag.
func translateState(state *types.ContainerState) api.InstanceStatus {
	if state == nil {
		return api.StatusUnknown
	}
	switch {
	case state.Running:
		return api.StatusRunning
	case state.Restarting:
		return api.StatusStarting
	case state.Dead:
		return api.StatusFailed
	case state.Status == "created":
		return api.StatusCreated
	case state.Status == "removing":
		return api.StatusStopping
	case state.Status == "exited", state.Paused:
		return api.StatusStopped
	default:
		return api.StatusUnknown
	}
}

// translate maps engine errors onto the uniform provider error taxonomy.
func (d *Driver) translate(operation string, err error) error {
	kind := api.ProviderErrKindInternal
	switch {
	case errdefs.IsNotFound(err):
		kind = api.ProviderErrKindNotFound
	case errdefs.IsConflict(err):
		kind = api.ProviderErrKindConflict
	case errdefs.IsInvalidParameter(err):
		kind = api.ProviderErrKindInvalidInput
	case errdefs.IsUnavailable(err), client.IsErrConnectionFailed(err):
		kind = api.ProviderErrKindUnavailable
	}
	return api.NewProviderError(api.ProviderTypeDocker, operation, kind, err)
}

func portBindings(ports []api.PortMapping) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return nil, nil, api.NewValidationError("network.ports", "invalid port %d/%s: %v", p.ContainerPort, proto, err)
		}
		exposed[port] = struct{}{}
		hostPort := ""
		if p.HostPort > 0 {
			hostPort = strconv.Itoa(p.HostPort)
		}
		bindings[port] = []nat.PortBinding{{HostPort: hostPort}}
	}
	return exposed, bindings, nil
}
