package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceState_Predicates(t *testing.T) {
	tests := []struct {
		state    ResourceState
		terminal bool
		running  bool
	}{
		{StateDeclared, false, false},
		{StateImageAttached, false, false},
		{StateEndpointPending, false, false},
		{StateEndpointResolved, false, true},
		{StateHealthy, false, true},
		{StateResolutionFailed, true, false},
		{StateStopped, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
			assert.Equal(t, tt.running, tt.state.IsRunning())
		})
	}
}

func TestResourceSnapshot_OmitsEmptyFields(t *testing.T) {
	snap := ResourceSnapshot{
		Name:  "influxdb",
		Type:  "influxdb",
		State: StateEndpointPending,
	}

	data, err := json.Marshal(snap)
	require.NoError(t, err)

	out := string(data)
	assert.Contains(t, out, `"state":"endpoint_pending"`)
	assert.False(t, strings.Contains(out, "containerId"))
	assert.False(t, strings.Contains(out, "parent"))
}

func TestGenerateID(t *testing.T) {
	id := GenerateID("run")
	assert.True(t, strings.HasPrefix(id, "run:"))
	assert.NotEqual(t, id, GenerateID("run"))
}
