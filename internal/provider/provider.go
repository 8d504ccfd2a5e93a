package provider

import (
	"context"
	"time"

	"swarm/internal/api"
)

// Capabilities describes what a driver supports. GetCapabilities must be
// pure and cheap: the controller queries it on hot paths.
type Capabilities struct {
	SupportsLiveResize      bool               `json:"supportsLiveResize"`
	SupportsSnapshotting    bool               `json:"supportsSnapshotting"`
	SupportsMultiRegion     bool               `json:"supportsMultiRegion"`
	SupportedRegions        []string           `json:"supportedRegions,omitempty"`
	MaxInstancesPerUser     int                `json:"maxInstancesPerUser"`
	MaxResourcesPerInstance api.ResourceConfig `json:"maxResourcesPerInstance"`
}

// LogOptions selects which log lines to return.
type LogOptions struct {
	// Lines limits the tail; 0 means everything available.
	Lines int
	// Since filters out lines older than this timestamp when set.
	Since time.Time
	// Follow keeps the stream open for new lines until the context is
	// cancelled.
	Follow bool
}

// LogLine is one line of instance output.
type LogLine struct {
	Timestamp time.Time
	Message   string
}

// ExecResult is the outcome of a command executed inside an instance.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Provider is the uniform contract every infrastructure driver implements.
// The control plane is polymorphic over it: the controller resolves the
// owning driver per instance and dispatches through this interface.
//
// Implementations must translate driver-native failures into
// api.ProviderError values tagged with a kind, must not retain state across
// restarts beyond what GetInstance/ListInstances can recover, and must wait
// for terminal driver transitions before returning from lifecycle calls.
type Provider interface {
	// GetType returns the driver kind this provider implements.
	GetType() api.ProviderType

	// GetCapabilities returns the static capability set of the driver.
	GetCapabilities() Capabilities

	// Initialize completes when the driver is ready: auth validated,
	// default networks/volumes ensured. Returns api.ProviderInitError when
	// the backing service is unavailable.
	Initialize(ctx context.Context) error

	// CreateInstance allocates every underlying resource for the config and
	// returns the observed instance in created or running state. On partial
	// failure it either produces a usable instance or cleans up completely.
	CreateInstance(ctx context.Context, cfg api.InstanceConfig) (*api.VSCodeInstance, error)

	// GetInstance returns the driver-observed state of an instance, or
	// (nil, nil) when the driver does not know the id. Never mutates.
	GetInstance(ctx context.Context, id string) (*api.VSCodeInstance, error)

	// ListInstances returns the driver-visible instances matching the
	// filter; a nil filter matches everything.
	ListInstances(ctx context.Context, filter *api.InstanceFilter) ([]*api.VSCodeInstance, error)

	// StartInstance starts a stopped instance and returns the updated
	// record once the driver reports it running.
	StartInstance(ctx context.Context, id string) (*api.VSCodeInstance, error)

	// StopInstance stops a running instance; force skips the grace period.
	StopInstance(ctx context.Context, id string, force bool) (*api.VSCodeInstance, error)

	// DeleteInstance removes the instance and all resources allocated for
	// it. Returns true when something was deleted.
	DeleteInstance(ctx context.Context, id string) (bool, error)

	// UpdateInstance applies a partial config change and returns the
	// updated record.
	UpdateInstance(ctx context.Context, id string, patch api.ConfigPatch) (*api.VSCodeInstance, error)

	// GetInstanceLogs returns a stream of log lines. The channel is closed
	// when the requested range is exhausted, or, with Follow, when ctx is
	// cancelled.
	GetInstanceLogs(ctx context.Context, id string, opts LogOptions) (<-chan LogLine, error)

	// ExecuteCommand runs a command inside the instance and captures its
	// exit code and output.
	ExecuteCommand(ctx context.Context, id string, command []string) (*ExecResult, error)
}
