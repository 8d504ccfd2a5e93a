package api

import (
	"encoding/json"
	"time"
)

// ProviderType identifies an infrastructure driver kind. The set is
// open-ended: registering a new driver introduces a new value.
type ProviderType string

const (
	ProviderTypeDocker ProviderType = "docker"
	ProviderTypeFlyio  ProviderType = "flyio"
)

// InstanceStatus is the lifecycle tag of an instance.
type InstanceStatus string

const (
	StatusCreated  InstanceStatus = "created"
	StatusStarting InstanceStatus = "starting"
	StatusRunning  InstanceStatus = "running"
	StatusStopping InstanceStatus = "stopping"
	StatusStopped  InstanceStatus = "stopped"
	StatusFailed   InstanceStatus = "failed"
	StatusDeleted  InstanceStatus = "deleted"
	StatusUnknown  InstanceStatus = "unknown"
)

// ResourceConfig describes the resource envelope requested for an instance.
// Memory is a human-readable size string ("512m", "2g"); Storage is in GB.
type ResourceConfig struct {
	CPU     float64 `json:"cpu"`
	Memory  string  `json:"memory"`
	Storage int     `json:"storage"`
}

// PortMapping maps a container port to a host port. HostPort 0 asks the
// driver to allocate one.
type PortMapping struct {
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
	Protocol      string `json:"protocol"`
}

// NetworkConfig is the desired network exposure of an instance.
type NetworkConfig struct {
	Ports        []PortMapping `json:"ports"`
	PublicAccess bool          `json:"publicAccess"`
	Domain       string        `json:"domain,omitempty"`
}

// AuthConfig carries the authentication settings passed through to the
// workspace process (e.g. the code-server password).
type AuthConfig struct {
	Type        string            `json:"type"`
	Credentials map[string]string `json:"credentials"`
}

// InstanceConfig is the desired-state descriptor for an instance. It is
// immutable after creation except through UpdateInstance.
type InstanceConfig struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	WorkspacePath string            `json:"workspacePath"`
	Resources     ResourceConfig    `json:"resources"`
	Network       NetworkConfig     `json:"network"`
	Env           map[string]string `json:"env"`
	Extensions    []string          `json:"extensions"`
	Auth          AuthConfig        `json:"auth"`
}

// ConfigPatch is a partial InstanceConfig for updates; nil fields are left
// unchanged.
type ConfigPatch struct {
	Resources  *ResourceConfig   `json:"resources,omitempty"`
	Network    *NetworkConfig    `json:"network,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Extensions []string          `json:"extensions,omitempty"`
}

// InstanceNetwork is the observed network state reported by a driver.
type InstanceNetwork struct {
	InternalIP string        `json:"internalIp,omitempty"`
	ExternalIP string        `json:"externalIp,omitempty"`
	Ports      []PortMapping `json:"ports,omitempty"`
	URLs       []string      `json:"urls,omitempty"`
}

// ResourceUsage is a point-in-time resource consumption sample.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpuPercent,omitempty"`
	MemoryBytes int64   `json:"memoryBytes,omitempty"`
}

// InstanceResources pairs observed usage with the configured limit.
type InstanceResources struct {
	Used  ResourceUsage  `json:"used"`
	Limit ResourceConfig `json:"limit"`
}

// DockerMetadata addresses an instance backed by a Docker container.
type DockerMetadata struct {
	ContainerID string `json:"containerId"`
}

// FlyMetadata addresses an instance backed by a Fly.io machine.
type FlyMetadata struct {
	AppName     string `json:"appName"`
	MachineID   string `json:"machineId"`
	VolumeID    string `json:"volumeId,omitempty"`
	IPAddressID string `json:"ipAddressId,omitempty"`
	Region      string `json:"region,omitempty"`
}

// InstanceMetadata is the provider-scoped addressing information of an
// instance. In memory it is a tagged union discriminated by the instance's
// ProviderType; on disk it serializes as one flat JSON object keyed by
// provider conventions so that records written by any driver stay readable.
type InstanceMetadata struct {
	Docker *DockerMetadata
	Fly    *FlyMetadata

	// Extra holds keys that belong to no known driver so they survive a
	// load/store round trip.
	Extra map[string]string
}

// MarshalJSON flattens whichever driver metadata is set into a single object.
func (m InstanceMetadata) MarshalJSON() ([]byte, error) {
	flat := make(map[string]string)
	for k, v := range m.Extra {
		flat[k] = v
	}
	if m.Docker != nil {
		flat["containerId"] = m.Docker.ContainerID
	}
	if m.Fly != nil {
		flat["appName"] = m.Fly.AppName
		flat["machineId"] = m.Fly.MachineID
		if m.Fly.VolumeID != "" {
			flat["volumeId"] = m.Fly.VolumeID
		}
		if m.Fly.IPAddressID != "" {
			flat["ipAddressId"] = m.Fly.IPAddressID
		}
		if m.Fly.Region != "" {
			flat["region"] = m.Fly.Region
		}
	}
	return json.Marshal(flat)
}

// UnmarshalJSON rebuilds the tagged union from the flat object.
func (m *InstanceMetadata) UnmarshalJSON(data []byte) error {
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	take := func(key string) (string, bool) {
		v, ok := flat[key]
		if ok {
			delete(flat, key)
		}
		return v, ok
	}

	if id, ok := take("containerId"); ok {
		m.Docker = &DockerMetadata{ContainerID: id}
	}
	app, hasApp := take("appName")
	machine, hasMachine := take("machineId")
	if hasApp || hasMachine {
		fly := &FlyMetadata{AppName: app, MachineID: machine}
		fly.VolumeID, _ = take("volumeId")
		fly.IPAddressID, _ = take("ipAddressId")
		fly.Region, _ = take("region")
		m.Fly = fly
	}
	if len(flat) > 0 {
		m.Extra = flat
	}
	return nil
}

// VSCodeInstance is the observed record of a managed remote development
// environment. The (ProviderType, ProviderInstanceID) pair uniquely
// identifies the instance with its driver.
type VSCodeInstance struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	ProviderType       ProviderType      `json:"providerType"`
	ProviderInstanceID string            `json:"providerInstanceId"`
	Status             InstanceStatus    `json:"status"`
	Config             InstanceConfig    `json:"config"`
	Network            InstanceNetwork   `json:"network"`
	Resources          InstanceResources `json:"resources"`
	Metadata           InstanceMetadata  `json:"metadata"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy. Read paths hand out clones so callers never
// alias registry-internal state.
func (i *VSCodeInstance) Clone() *VSCodeInstance {
	if i == nil {
		return nil
	}
	out := *i
	out.Config = *cloneConfig(&i.Config)
	out.Network.Ports = append([]PortMapping(nil), i.Network.Ports...)
	out.Network.URLs = append([]string(nil), i.Network.URLs...)
	if i.Metadata.Docker != nil {
		d := *i.Metadata.Docker
		out.Metadata.Docker = &d
	}
	if i.Metadata.Fly != nil {
		f := *i.Metadata.Fly
		out.Metadata.Fly = &f
	}
	out.Metadata.Extra = cloneStringMap(i.Metadata.Extra)
	return &out
}

func cloneConfig(c *InstanceConfig) *InstanceConfig {
	out := *c
	out.Network.Ports = append([]PortMapping(nil), c.Network.Ports...)
	out.Env = cloneStringMap(c.Env)
	out.Extensions = append([]string(nil), c.Extensions...)
	out.Auth.Credentials = cloneStringMap(c.Auth.Credentials)
	return &out
}

// CloneConfig returns a deep copy of an InstanceConfig.
func CloneConfig(c InstanceConfig) InstanceConfig {
	return *cloneConfig(&c)
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// InstanceFilter narrows ListInstances results. Zero values mean "no
// constraint"; Limit 0 means unlimited.
type InstanceFilter struct {
	Statuses      []InstanceStatus
	ProviderType  ProviderType
	NamePattern   string
	CreatedBefore *time.Time
	CreatedAfter  *time.Time
	Metadata      map[string]string
	Offset        int
	Limit         int
}

// MatchesStatus reports whether s is in the filter's status set (an empty set
// matches everything).
func (f *InstanceFilter) MatchesStatus(s InstanceStatus) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if want == s {
			return true
		}
	}
	return false
}

// ProviderStatus is one provider's entry in the swarm status aggregate.
type ProviderStatus struct {
	Type          ProviderType `json:"type"`
	Enabled       bool         `json:"enabled"`
	InstanceCount int          `json:"instanceCount"`
}

// SwarmStatus is the aggregate view returned by GetSwarmStatus.
type SwarmStatus struct {
	Initialized          bool             `json:"initialized"`
	Providers            []ProviderStatus `json:"providers"`
	TotalInstances       int              `json:"totalInstances"`
	HealthMonitorEnabled bool             `json:"healthMonitorEnabled"`
	MigrationEnabled     bool             `json:"migrationEnabled"`
}
