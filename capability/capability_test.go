package capability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexrun/orchestrator/capability"
)

func TestInMemoryRegistryLookup(t *testing.T) {
	reg := capability.NewInMemoryRegistry([]capability.Record{
		{CapabilityID: "writer.v1", Kind: capability.KindExecution, AgentType: capability.AgentTypeAI, StatusField: capability.StatusActive},
	})

	rec, ok, err := reg.Lookup(context.Background(), "writer.v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, capability.KindExecution, rec.Kind)

	_, ok, err = reg.Lookup(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemoryRegistrySnapshotAndPut(t *testing.T) {
	reg := capability.NewInMemoryRegistry(nil)
	reg.Put(capability.Record{CapabilityID: "a"})
	reg.Put(capability.Record{CapabilityID: "b"})

	snap, err := reg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap, 2)
}

func TestErrCapabilityNotFoundMessage(t *testing.T) {
	err := &capability.ErrCapabilityNotFound{CapabilityID: "ghost.v1"}
	assert.Contains(t, err.Error(), "ghost.v1")
}
