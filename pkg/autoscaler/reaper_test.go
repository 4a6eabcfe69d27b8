package autoscaler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fleetautoscaler/pkg/autoscaler/autoscalerfakes"
)

func TestReapStaleRemovableMarkings_ClearsPastTimeout(t *testing.T) {
	now := time.Now()
	markedAt := now.Add(-time.Hour)
	inst := Instance{
		ID:              "i1",
		InstanceGroupID: "g1",
		LifecycleState:  InstanceStarted,
		LaunchTimestamp: now.Add(-2 * time.Hour),
		Attributes: map[string]string{
			AttrRemovable:         markedAt.UTC().Format(time.RFC3339),
			AttrSystemNoPlacement: "true",
		},
	}
	snap := &Snapshot{
		Now:              now,
		InstancesByGroup: map[string][]Instance{"g1": {inst}},
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	exec := DirectExecutor{AgentMgmt: agentMgmt}

	actions := reapStaleRemovableMarkings(context.Background(), exec, snap, 30*time.Minute, sequentialIDs())

	assert.Len(t, actions, 1)
	assert.Equal(t, "reaper_reset", actions[0].Kind)
	assert.Equal(t, "i1", actions[0].InstanceID)
	assert.Len(t, agentMgmt.AttributeDeletes, 1)
	assert.ElementsMatch(t, []string{AttrRemovable, AttrSystemNoPlacement}, agentMgmt.AttributeDeletes[0].Keys)
}

func TestReapStaleRemovableMarkings_LeavesFreshMarkingsAlone(t *testing.T) {
	now := time.Now()
	markedAt := now.Add(-time.Minute)
	inst := Instance{
		ID:              "i1",
		InstanceGroupID: "g1",
		LifecycleState:  InstanceStarted,
		Attributes: map[string]string{
			AttrRemovable: markedAt.UTC().Format(time.RFC3339),
		},
	}
	snap := &Snapshot{
		Now:              now,
		InstancesByGroup: map[string][]Instance{"g1": {inst}},
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	exec := DirectExecutor{AgentMgmt: agentMgmt}

	actions := reapStaleRemovableMarkings(context.Background(), exec, snap, 30*time.Minute, sequentialIDs())

	assert.Empty(t, actions)
	assert.Empty(t, agentMgmt.AttributeDeletes)
}

func TestReapStaleRemovableMarkings_IgnoresNonRemovableInstances(t *testing.T) {
	now := time.Now()
	inst := Instance{ID: "i1", InstanceGroupID: "g1", LifecycleState: InstanceStarted}
	snap := &Snapshot{
		Now:              now,
		InstancesByGroup: map[string][]Instance{"g1": {inst}},
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	exec := DirectExecutor{AgentMgmt: agentMgmt}

	actions := reapStaleRemovableMarkings(context.Background(), exec, snap, 30*time.Minute, sequentialIDs())

	assert.Empty(t, actions)
}
