// Package flyio implements the Provider contract on top of the Fly.io
// Machines REST API. Every instance maps to one Fly app (named after the
// instance id) holding one machine and one workspace volume, which is what
// lets the driver recover all state from the API after a restart.
package flyio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"swarm/internal/api"
	"swarm/internal/provider"
	"swarm/pkg/logging"
)

const (
	defaultBaseURL = "https://api.machines.dev/v1"
	defaultRegion  = "iad"

	appNamePrefix = "swarm-"

	// waitTimeoutSeconds bounds the machine state waits issued against the
	// /wait endpoint.
	waitTimeoutSeconds = 60
)

func init() {
	provider.Register(api.ProviderTypeFlyio, func(cfg map[string]interface{}) (provider.Provider, error) {
		return New(cfg)
	})
}

// Driver implements provider.Provider against the Fly Machines API.
type Driver struct {
	client  *resty.Client
	orgSlug string
	region  string
}

// New constructs a Fly.io driver. The provider config map supports "token",
// "orgSlug", "region", and "baseUrl" entries. The token is taken from the
// config map only; without one, requests carry no Authorization header.
func New(cfg map[string]interface{}) (*Driver, error) {
	baseURL := defaultBaseURL
	if v, ok := cfg["baseUrl"].(string); ok && v != "" {
		baseURL = v
	}
	region := defaultRegion
	if v, ok := cfg["region"].(string); ok && v != "" {
		region = v
	}
	orgSlug := "personal"
	if v, ok := cfg["orgSlug"].(string); ok && v != "" {
		orgSlug = v
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(2 * time.Minute).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	if token, ok := cfg["token"].(string); ok && token != "" {
		client.SetAuthToken(token)
	}

	return &Driver{
		client:  client,
		orgSlug: orgSlug,
		region:  region,
	}, nil
}

// flyMachine is the subset of the Machines API machine object the driver
// reads.
type flyMachine struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Region    string    `json:"region"`
	PrivateIP string    `json:"private_ip"`
	CreatedAt time.Time `json:"created_at"`
	Config    flyConfig `json:"config"`
	Events    []flyEvent `json:"events,omitempty"`
}

type flyConfig struct {
	Image    string             `json:"image"`
	Env      map[string]string  `json:"env,omitempty"`
	Guest    flyGuest           `json:"guest"`
	Mounts   []flyMount         `json:"mounts,omitempty"`
	Services []flyService       `json:"services,omitempty"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}

type flyGuest struct {
	CPUs     int    `json:"cpus"`
	CPUKind  string `json:"cpu_kind"`
	MemoryMB int    `json:"memory_mb"`
}

type flyMount struct {
	Volume string `json:"volume"`
	Path   string `json:"path"`
}

type flyService struct {
	Protocol     string    `json:"protocol"`
	InternalPort int       `json:"internal_port"`
	Ports        []flyPort `json:"ports"`
}

type flyPort struct {
	Port     int      `json:"port"`
	Handlers []string `json:"handlers,omitempty"`
}

type flyEvent struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type flyVolume struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	SizeGB int    `json:"size_gb"`
	Region string `json:"region"`
}

type flyApp struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type flyAppList struct {
	Apps []flyApp `json:"apps"`
}

type flyExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type flyError struct {
	Error string `json:"error"`
}

// GetType implements provider.Provider.
func (d *Driver) GetType() api.ProviderType { return api.ProviderTypeFlyio }

// GetCapabilities implements provider.Provider.
func (d *Driver) GetCapabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsLiveResize:   false,
		SupportsSnapshotting: true,
		SupportsMultiRegion:  true,
		SupportedRegions:     []string{"iad", "lhr", "fra", "nrt", "syd", "sjc"},
		MaxInstancesPerUser:  25,
		MaxResourcesPerInstance: api.ResourceConfig{
			CPU:     8,
			Memory:  "16g",
			Storage: 100,
		},
	}
}

// Initialize validates the token by listing apps for the organization.
func (d *Driver) Initialize(ctx context.Context) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("org_slug", d.orgSlug).
		SetResult(&flyAppList{}).
		Get("/apps")
	if err != nil {
		return &api.ProviderInitError{ProviderType: api.ProviderTypeFlyio, Err: err}
	}
	if resp.IsError() {
		return &api.ProviderInitError{
			ProviderType: api.ProviderTypeFlyio,
			Err:          fmt.Errorf("apps listing returned %s", resp.Status()),
		}
	}
	return nil
}

// appName derives the per-instance app name from the control-plane id. The
// mapping is deterministic so the driver needs no local lookup table.
func appName(instanceID string) string {
	return appNamePrefix + strings.SplitN(instanceID, "-", 2)[0]
}

// CreateInstance allocates an app, a workspace volume, and a machine. On
// partial failure the app is destroyed, which tears down everything in it.
func (d *Driver) CreateInstance(ctx context.Context, cfg api.InstanceConfig) (*api.VSCodeInstance, error) {
	if cfg.Name == "" {
		return nil, api.NewValidationError("name", "instance name cannot be empty")
	}
	if cfg.Image == "" {
		return nil, api.NewValidationError("image", "instance image cannot be empty")
	}

	instanceID := uuid.NewString()
	app := appName(instanceID)

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"app_name": app, "org_slug": d.orgSlug}).
		Post("/apps")
	if rerr := d.check("CreateInstance", resp, err); rerr != nil {
		return nil, rerr
	}

	sizeGB := cfg.Resources.Storage
	if sizeGB <= 0 {
		sizeGB = 1
	}
	var vol flyVolume
	resp, err = d.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"name":    "workspace",
			"region":  d.region,
			"size_gb": sizeGB,
		}).
		SetResult(&vol).
		Post("/apps/" + app + "/volumes")
	if rerr := d.check("CreateInstance", resp, err); rerr != nil {
		d.destroyApp(ctx, app)
		return nil, rerr
	}

	machineCfg := flyConfig{
		Image: cfg.Image,
		Env:   buildEnv(cfg),
		Guest: flyGuest{
			CPUs:     guestCPUs(cfg.Resources.CPU),
			CPUKind:  "shared",
			MemoryMB: guestMemoryMB(cfg.Resources.Memory),
		},
		Metadata: map[string]string{
			"swarm_instance_id":   instanceID,
			"swarm_instance_name": cfg.Name,
		},
	}
	if cfg.WorkspacePath != "" {
		machineCfg.Mounts = []flyMount{{Volume: vol.ID, Path: cfg.WorkspacePath}}
	}
	for _, p := range cfg.Network.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		svc := flyService{
			Protocol:     proto,
			InternalPort: p.ContainerPort,
			Ports:        []flyPort{{Port: 443, Handlers: []string{"tls", "http"}}},
		}
		if !cfg.Network.PublicAccess {
			svc.Ports = []flyPort{{Port: p.ContainerPort}}
		}
		machineCfg.Services = append(machineCfg.Services, svc)
	}

	var machine flyMachine
	resp, err = d.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"name":   cfg.Name,
			"region": d.region,
			"config": machineCfg,
		}).
		SetResult(&machine).
		Post("/apps/" + app + "/machines")
	if rerr := d.check("CreateInstance", resp, err); rerr != nil {
		d.destroyApp(ctx, app)
		return nil, rerr
	}

	if err := d.waitForState(ctx, app, machine.ID, "started"); err != nil {
		d.destroyApp(ctx, app)
		return nil, err
	}

	inst, err := d.getMachineInstance(ctx, instanceID, app)
	if err != nil {
		d.destroyApp(ctx, app)
		return nil, err
	}
	inst.Metadata.Fly.VolumeID = vol.ID

	logging.Info("FlyProvider", "Created instance %s (app %s, machine %s)", instanceID, app, machine.ID)
	return inst, nil
}

func buildEnv(cfg api.InstanceConfig) map[string]string {
	env := make(map[string]string, len(cfg.Env)+1)
	for k, v := range cfg.Env {
		env[k] = v
	}
	if cfg.Auth.Type == "password" {
		if pw, ok := cfg.Auth.Credentials["password"]; ok {
			env["PASSWORD"] = pw
		}
	}
	return env
}

func guestCPUs(cpu float64) int {
	if cpu < 1 {
		return 1
	}
	return int(cpu)
}

// guestMemoryMB parses the human-readable memory size into MB; Fly guests
// are sized in 256MB steps with a 256MB floor.
func guestMemoryMB(memory string) int {
	if memory == "" {
		return 256
	}
	var value float64
	var unit string
	if _, err := fmt.Sscanf(strings.ToLower(memory), "%f%s", &value, &unit); err != nil {
		return 256
	}
	var mb int
	switch {
	case strings.HasPrefix(unit, "g"):
		mb = int(value * 1024)
	case strings.HasPrefix(unit, "m"):
		mb = int(value)
	default:
		mb = int(value / (1024 * 1024))
	}
	if mb < 256 {
		mb = 256
	}
	if rem := mb % 256; rem != 0 {
		mb += 256 - rem
	}
	return mb
}

// GetInstance implements provider.Provider.
func (d *Driver) GetInstance(ctx context.Context, id string) (*api.VSCodeInstance, error) {
	app := appName(id)
	inst, err := d.getMachineInstance(ctx, id, app)
	if err != nil {
		var perr *api.ProviderError
		if errors.As(err, &perr) && perr.Kind == api.ProviderErrKindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return inst, nil
}

// getMachineInstance reads the single machine of an app and converts it.
func (d *Driver) getMachineInstance(ctx context.Context, id, app string) (*api.VSCodeInstance, error) {
	var machines []flyMachine
	resp, err := d.client.R().
		SetContext(ctx).
		SetResult(&machines).
		Get("/apps/" + app + "/machines")
	if rerr := d.check("GetInstance", resp, err); rerr != nil {
		return nil, rerr
	}
	if len(machines) == 0 {
		return nil, api.NewProviderError(api.ProviderTypeFlyio, "GetInstance", api.ProviderErrKindNotFound,
			fmt.Errorf("app %s has no machines", app))
	}
	return d.toInstance(id, app, &machines[0]), nil
}

// toInstance converts a Fly machine into the uniform instance record.
func (d *Driver) toInstance(id, app string, m *flyMachine) *api.VSCodeInstance {
	volumeID := ""
	if len(m.Config.Mounts) > 0 {
		volumeID = m.Config.Mounts[0].Volume
	}
	name := m.Config.Metadata["swarm_instance_name"]
	if name == "" {
		name = m.Name
	}
	if storedID := m.Config.Metadata["swarm_instance_id"]; storedID != "" {
		id = storedID
	}

	inst := &api.VSCodeInstance{
		ID:                 id,
		Name:               name,
		ProviderType:       api.ProviderTypeFlyio,
		ProviderInstanceID: m.ID,
		Status:             translateState(m.State),
		Metadata: api.InstanceMetadata{
			Fly: &api.FlyMetadata{
				AppName:   app,
				MachineID: m.ID,
				VolumeID:  volumeID,
				Region:    m.Region,
			},
		},
		Network: api.InstanceNetwork{
			InternalIP: m.PrivateIP,
		},
		Resources: api.InstanceResources{
			Limit: api.ResourceConfig{
				CPU:    float64(m.Config.Guest.CPUs),
				Memory: fmt.Sprintf("%dm", m.Config.Guest.MemoryMB),
			},
		},
		CreatedAt: m.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}

	for _, svc := range m.Config.Services {
		for _, p := range svc.Ports {
			inst.Network.Ports = append(inst.Network.Ports, api.PortMapping{
				ContainerPort: svc.InternalPort,
				HostPort:      p.Port,
				Protocol:      svc.Protocol,
			})
		}
	}
	if len(m.Config.Services) > 0 {
		inst.Network.URLs = append(inst.Network.URLs, "https://"+app+".fly.dev")
	}

	return inst
}

// translateState maps Fly machine states onto the instance lifecycle tags.
func translateState(state string) api.InstanceStatus {
	switch state {
	case "created":
		return api.StatusCreated
	case "starting", "replacing":
		return api.StatusStarting
	case "started":
		return api.StatusRunning
	case "stopping":
		return api.StatusStopping
	case "stopped", "suspended":
		return api.StatusStopped
	case "failed":
		return api.StatusFailed
	case "destroyed", "destroying":
		return api.StatusDeleted
	default:
		return api.StatusUnknown
	}
}

// ListInstances lists every swarm-prefixed app and reads its machine.
func (d *Driver) ListInstances(ctx context.Context, filter *api.InstanceFilter) ([]*api.VSCodeInstance, error) {
	var list flyAppList
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("org_slug", d.orgSlug).
		SetResult(&list).
		Get("/apps")
	if rerr := d.check("ListInstances", resp, err); rerr != nil {
		return nil, rerr
	}

	var out []*api.VSCodeInstance
	for _, app := range list.Apps {
		if !strings.HasPrefix(app.Name, appNamePrefix) {
			continue
		}
		inst, err := d.getMachineInstance(ctx, "", app.Name)
		if err != nil {
			logging.Warn("FlyProvider", "Skipping app %s: %v", app.Name, err)
			continue
		}
		if filter != nil && !filter.MatchesStatus(inst.Status) {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// StartInstance starts the machine and waits for the started state.
func (d *Driver) StartInstance(ctx context.Context, id string) (*api.VSCodeInstance, error) {
	app := appName(id)
	machine, err := d.machine(ctx, app)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.R().
		SetContext(ctx).
		Post("/apps/" + app + "/machines/" + machine.ID + "/start")
	if rerr := d.check("StartInstance", resp, err); rerr != nil {
		return nil, rerr
	}
	if err := d.waitForState(ctx, app, machine.ID, "started"); err != nil {
		return nil, err
	}
	return d.getMachineInstance(ctx, id, app)
}

// StopInstance stops the machine and waits for the stopped state. Force
// sends SIGKILL with no grace period.
func (d *Driver) StopInstance(ctx context.Context, id string, force bool) (*api.VSCodeInstance, error) {
	app := appName(id)
	machine, err := d.machine(ctx, app)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{}
	if force {
		body["signal"] = "SIGKILL"
		body["timeout"] = "0s"
	}
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/apps/" + app + "/machines/" + machine.ID + "/stop")
	if rerr := d.check("StopInstance", resp, err); rerr != nil {
		return nil, rerr
	}
	if err := d.waitForState(ctx, app, machine.ID, "stopped"); err != nil {
		return nil, err
	}
	return d.getMachineInstance(ctx, id, app)
}

// DeleteInstance destroys the whole app, which removes the machine, volume,
// and any allocated addresses with it.
func (d *Driver) DeleteInstance(ctx context.Context, id string) (bool, error) {
	app := appName(id)
	resp, err := d.client.R().
		SetContext(ctx).
		Delete("/apps/" + app)
	if err != nil {
		return false, d.check("DeleteInstance", resp, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if resp.IsError() {
		return false, d.check("DeleteInstance", resp, nil)
	}
	return true, nil
}

// UpdateInstance replaces the machine config. Fly machines apply updates by
// replacing the machine in place.
func (d *Driver) UpdateInstance(ctx context.Context, id string, patch api.ConfigPatch) (*api.VSCodeInstance, error) {
	app := appName(id)
	machine, err := d.machine(ctx, app)
	if err != nil {
		return nil, err
	}

	cfg := machine.Config
	if patch.Resources != nil {
		cfg.Guest.CPUs = guestCPUs(patch.Resources.CPU)
		cfg.Guest.MemoryMB = guestMemoryMB(patch.Resources.Memory)
	}
	if patch.Env != nil {
		cfg.Env = patch.Env
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"config": cfg}).
		Post("/apps/" + app + "/machines/" + machine.ID)
	if rerr := d.check("UpdateInstance", resp, err); rerr != nil {
		return nil, rerr
	}
	if err := d.waitForState(ctx, app, machine.ID, "started"); err != nil {
		return nil, err
	}
	return d.getMachineInstance(ctx, id, app)
}

// GetInstanceLogs surfaces machine events as log lines. The Machines REST
// surface has no log tail; events are the closest durable record. With
// Follow the driver polls for new events until the context ends.
func (d *Driver) GetInstanceLogs(ctx context.Context, id string, opts provider.LogOptions) (<-chan provider.LogLine, error) {
	app := appName(id)
	machine, err := d.machine(ctx, app)
	if err != nil {
		return nil, err
	}

	out := make(chan provider.LogLine, 16)
	go func() {
		defer close(out)

		var lastSeen int64
		emit := func(m *flyMachine) {
			for i := len(m.Events) - 1; i >= 0; i-- {
				ev := m.Events[i]
				if ev.Timestamp <= lastSeen {
					continue
				}
				lastSeen = ev.Timestamp
				line := provider.LogLine{
					Timestamp: time.UnixMilli(ev.Timestamp).UTC(),
					Message:   fmt.Sprintf("%s: %s", ev.Type, ev.Status),
				}
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			}
		}

		emit(machine)
		if !opts.Follow {
			return
		}
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m, err := d.machine(ctx, app)
				if err != nil {
					return
				}
				emit(m)
			}
		}
	}()
	return out, nil
}

// ExecuteCommand runs a command inside the machine via the exec endpoint.
func (d *Driver) ExecuteCommand(ctx context.Context, id string, command []string) (*provider.ExecResult, error) {
	app := appName(id)
	machine, err := d.machine(ctx, app)
	if err != nil {
		return nil, err
	}

	var result flyExecResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"command": command, "timeout": 30}).
		SetResult(&result).
		Post("/apps/" + app + "/machines/" + machine.ID + "/exec")
	if rerr := d.check("ExecuteCommand", resp, err); rerr != nil {
		return nil, rerr
	}

	return &provider.ExecResult{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}, nil
}

// machine fetches the single machine of an app.
func (d *Driver) machine(ctx context.Context, app string) (*flyMachine, error) {
	var machines []flyMachine
	resp, err := d.client.R().
		SetContext(ctx).
		SetResult(&machines).
		Get("/apps/" + app + "/machines")
	if rerr := d.check("GetInstance", resp, err); rerr != nil {
		return nil, rerr
	}
	if len(machines) == 0 {
		return nil, api.NewProviderError(api.ProviderTypeFlyio, "GetInstance", api.ProviderErrKindNotFound,
			fmt.Errorf("app %s has no machines", app))
	}
	return &machines[0], nil
}

// waitForState blocks on the machines /wait endpoint until the machine
// reaches the desired state or the wait times out.
func (d *Driver) waitForState(ctx context.Context, app, machineID, state string) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("state", state).
		SetQueryParam("timeout", fmt.Sprintf("%d", waitTimeoutSeconds)).
		Get("/apps/" + app + "/machines/" + machineID + "/wait")
	if rerr := d.check("WaitForState", resp, err); rerr != nil {
		return rerr
	}
	return nil
}

// destroyApp is the rollback path for partial creates.
func (d *Driver) destroyApp(ctx context.Context, app string) {
	resp, err := d.client.R().SetContext(ctx).Delete("/apps/" + app)
	if err != nil {
		logging.Warn("FlyProvider", "Rollback of app %s failed: %v", app, err)
		return
	}
	if resp.IsError() {
		logging.Warn("FlyProvider", "Rollback of app %s returned %s", app, resp.Status())
	}
}

// check translates transport failures and HTTP error statuses into the
// uniform provider error taxonomy.
func (d *Driver) check(operation string, resp *resty.Response, err error) error {
	if err != nil {
		return api.NewProviderError(api.ProviderTypeFlyio, operation, api.ProviderErrKindUnavailable, err)
	}
	if resp == nil || !resp.IsError() {
		return nil
	}

	message := resp.Status()
	var fe flyError
	if jsonErr := json.Unmarshal(resp.Body(), &fe); jsonErr == nil && fe.Error != "" {
		message = fe.Error
	}

	kind := api.ProviderErrKindInternal
	switch resp.StatusCode() {
	case http.StatusNotFound:
		kind = api.ProviderErrKindNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		kind = api.ProviderErrKindInvalidInput
	case http.StatusConflict:
		kind = api.ProviderErrKindConflict
	case http.StatusTooManyRequests:
		kind = api.ProviderErrKindResourceLimit
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable:
		kind = api.ProviderErrKindUnavailable
	}
	return api.NewProviderError(api.ProviderTypeFlyio, operation, kind, fmt.Errorf("%s", message))
}
