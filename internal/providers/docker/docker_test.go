package docker

import (
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm/internal/api"
)

func TestPortBindings(t *testing.T) {
	exposed, bindings, err := portBindings([]api.PortMapping{
		{ContainerPort: 8080, HostPort: 0, Protocol: "tcp"},
		{ContainerPort: 9090, HostPort: 9091, Protocol: ""},
	})
	require.NoError(t, err)

	port8080 := nat.Port("8080/tcp")
	port9090 := nat.Port("9090/tcp")
	assert.Contains(t, exposed, port8080)
	assert.Contains(t, exposed, port9090)

	// HostPort 0 asks the engine to allocate; empty string in the binding.
	assert.Equal(t, "", bindings[port8080][0].HostPort)
	assert.Equal(t, "9091", bindings[port9090][0].HostPort)
}

func TestPortBindings_InvalidPort(t *testing.T) {
	_, _, err := portBindings([]api.PortMapping{{ContainerPort: -1, Protocol: "tcp"}})
	require.Error(t, err)
	assert.True(t, api.IsValidation(err))
}

func TestTranslateState(t *testing.T) {
	tests := []struct {
		name  string
		state *types.ContainerState
		want  api.InstanceStatus
	}{
		{"nil", nil, api.StatusUnknown},
		{"running", &types.ContainerState{Running: true, Status: "running"}, api.StatusRunning},
		{"restarting", &types.ContainerState{Restarting: true, Status: "restarting"}, api.StatusStarting},
		{"dead", &types.ContainerState{Dead: true, Status: "dead"}, api.StatusFailed},
		{"created", &types.ContainerState{Status: "created"}, api.StatusCreated},
		{"removing", &types.ContainerState{Status: "removing"}, api.StatusStopping},
		{"exited", &types.ContainerState{Status: "exited"}, api.StatusStopped},
		{"paused", &types.ContainerState{Paused: true, Status: "paused"}, api.StatusStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, translateState(tt.state))
		})
	}
}

func TestParseLogLine(t *testing.T) {
	line := parseLogLine("2025-06-01T12:00:00.000000000Z hello world")
	assert.Equal(t, "hello world", line.Message)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), line.Timestamp.UTC())

	// Lines without a parsable timestamp come back whole.
	raw := parseLogLine("no timestamp here")
	assert.Equal(t, "no timestamp here", raw.Message)
	assert.False(t, raw.Timestamp.IsZero())
}
