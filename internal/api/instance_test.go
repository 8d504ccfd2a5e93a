package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceMetadata_DockerRoundTrip(t *testing.T) {
	in := InstanceMetadata{Docker: &DockerMetadata{ContainerID: "abc123"}}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"containerId":"abc123"}`, string(data))

	var out InstanceMetadata
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotNil(t, out.Docker)
	assert.Equal(t, "abc123", out.Docker.ContainerID)
	assert.Nil(t, out.Fly)
}

func TestInstanceMetadata_FlyRoundTrip(t *testing.T) {
	in := InstanceMetadata{Fly: &FlyMetadata{
		AppName:     "swarm-ab12cd34",
		MachineID:   "m-1",
		VolumeID:    "vol-1",
		IPAddressID: "ip-1",
		Region:      "iad",
	}}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out InstanceMetadata
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotNil(t, out.Fly)
	assert.Equal(t, *in.Fly, *out.Fly)
}

func TestInstanceMetadata_UnknownKeysSurvive(t *testing.T) {
	raw := `{"containerId":"c1","customKey":"customValue"}`

	var meta InstanceMetadata
	require.NoError(t, json.Unmarshal([]byte(raw), &meta))
	require.NotNil(t, meta.Docker)
	assert.Equal(t, "customValue", meta.Extra["customKey"])

	data, err := json.Marshal(meta)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(data))
}

func TestVSCodeInstance_CloneIsDeep(t *testing.T) {
	inst := &VSCodeInstance{
		ID:   "i-1",
		Name: "vscode-a",
		Config: InstanceConfig{
			Env:        map[string]string{"A": "1"},
			Extensions: []string{"ext-1"},
			Network:    NetworkConfig{Ports: []PortMapping{{ContainerPort: 8080}}},
			Auth:       AuthConfig{Credentials: map[string]string{"password": "p"}},
		},
		Metadata: InstanceMetadata{Docker: &DockerMetadata{ContainerID: "c1"}},
	}

	clone := inst.Clone()
	clone.Config.Env["A"] = "2"
	clone.Config.Extensions[0] = "other"
	clone.Config.Network.Ports[0].ContainerPort = 9090
	clone.Metadata.Docker.ContainerID = "c2"

	assert.Equal(t, "1", inst.Config.Env["A"])
	assert.Equal(t, "ext-1", inst.Config.Extensions[0])
	assert.Equal(t, 8080, inst.Config.Network.Ports[0].ContainerPort)
	assert.Equal(t, "c1", inst.Metadata.Docker.ContainerID)
}

func TestVSCodeInstance_JSONRoundTripWithDates(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in := &VSCodeInstance{
		ID:           "i-1",
		Name:         "vscode-a",
		ProviderType: ProviderTypeDocker,
		Status:       StatusRunning,
		CreatedAt:    created,
		UpdatedAt:    created.Add(time.Minute),
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), "2025-06-01T12:00:00Z")

	var out VSCodeInstance
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.CreatedAt.Equal(in.CreatedAt))
	assert.True(t, out.UpdatedAt.Equal(in.UpdatedAt))
}

func TestInstanceFilter_MatchesStatus(t *testing.T) {
	empty := &InstanceFilter{}
	assert.True(t, empty.MatchesStatus(StatusRunning))

	narrow := &InstanceFilter{Statuses: []InstanceStatus{StatusRunning, StatusStopped}}
	assert.True(t, narrow.MatchesStatus(StatusRunning))
	assert.False(t, narrow.MatchesStatus(StatusFailed))
}

func TestMigrationStatus_IsTerminal(t *testing.T) {
	for _, s := range []MigrationStatus{MigrationCompleted, MigrationFailed, MigrationCancelled, MigrationTimedOut} {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	for _, s := range []MigrationStatus{MigrationPending, MigrationInProgress} {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestMigrationPlan_CloneIsDeep(t *testing.T) {
	now := time.Now()
	plan := &MigrationPlan{
		ID:     "p-1",
		Steps:  []MigrationStep{{Name: "prepare", Status: StepCompleted, StartedAt: &now}},
		Status: MigrationInProgress,
	}

	clone := plan.Clone()
	clone.Steps[0].Status = StepFailed
	*clone.Steps[0].StartedAt = now.Add(time.Hour)

	assert.Equal(t, StepCompleted, plan.Steps[0].Status)
	assert.True(t, plan.Steps[0].StartedAt.Equal(now))
}
