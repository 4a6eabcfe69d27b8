package autoscaler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetautoscaler/pkg/autoscaler/autoscalerfakes"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "action-" + time.Now().Format("150405") + "-" + string(rune('a'+n))
	}
}

func TestPlanAndExecute_ScaleUpPrefersActiveGroupsFirst(t *testing.T) {
	now := time.Now()
	active := InstanceGroup{ID: "active", Tier: "critical", LifecycleState: GroupActive, Min: 0, Current: 2, Desired: 2, Max: 4}
	phasedOut := InstanceGroup{ID: "phased", Tier: "critical", LifecycleState: GroupPhasedOut, Min: 0, Current: 2, Desired: 2, Max: 10}

	decision := &TierDecision{
		Tier:           "critical",
		ScaleUpGroups:  []InstanceGroup{active, phasedOut},
		ApprovedScaleUp: 3,
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	exec := DirectExecutor{AgentMgmt: agentMgmt}

	result, err := planAndExecute(context.Background(), exec, decision, nil, now, sequentialIDs())
	require.NoError(t, err)

	assert.Equal(t, 3, result.ScaleUpIssued)
	require.Len(t, agentMgmt.ScaleUps, 2)
	assert.Equal(t, "active", agentMgmt.ScaleUps[0].GroupID)
	assert.Equal(t, 2, agentMgmt.ScaleUps[0].Delta, "active group's headroom (max 4 - desired 2) caps it at 2")
	assert.Equal(t, "phased", agentMgmt.ScaleUps[1].GroupID)
	assert.Equal(t, 1, agentMgmt.ScaleUps[1].Delta, "remaining 1 spills into the phased-out group")
}

func TestPlanAndExecute_ScaleUpRecordsBlockedWhenNoHeadroom(t *testing.T) {
	now := time.Now()
	full := InstanceGroup{ID: "g1", Tier: "critical", LifecycleState: GroupActive, Min: 0, Current: 4, Desired: 4, Max: 4}

	decision := &TierDecision{
		Tier:            "critical",
		ScaleUpGroups:   []InstanceGroup{full},
		ApprovedScaleUp: 2,
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	exec := DirectExecutor{AgentMgmt: agentMgmt}

	result, err := planAndExecute(context.Background(), exec, decision, nil, now, sequentialIDs())
	require.NoError(t, err)

	assert.Equal(t, 0, result.ScaleUpIssued)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "blocked", result.Actions[0].Kind)
	assert.Equal(t, 2, result.Actions[0].Delta)
}

func TestPlanAndExecute_ScaleDownPrefersPhasedOutFirst(t *testing.T) {
	now := time.Now()
	active := InstanceGroup{ID: "active", Tier: "critical", LifecycleState: GroupActive, Min: 0, Current: 3, Desired: 3, Max: 10}
	phasedOut := InstanceGroup{ID: "phased", Tier: "critical", LifecycleState: GroupPhasedOut, Min: 0, Current: 2, Desired: 2, Max: 10}

	idleActive := Instance{ID: "ia1", InstanceGroupID: "active", LifecycleState: InstanceStarted}
	idlePhased1 := Instance{ID: "ip1", InstanceGroupID: "phased", LifecycleState: InstanceStarted}
	idlePhased2 := Instance{ID: "ip2", InstanceGroupID: "phased", LifecycleState: InstanceStarted}

	decision := &TierDecision{
		Tier:              "critical",
		ScaleDownGroups:   []InstanceGroup{phasedOut, active}, // reverse of scale-up order
		IdleInstances:     []Instance{idleActive, idlePhased1, idlePhased2},
		ApprovedScaleDown: 2,
	}
	allInstancesByGroup := map[string][]Instance{
		"active": {idleActive},
		"phased": {idlePhased1, idlePhased2},
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	exec := DirectExecutor{AgentMgmt: agentMgmt}

	result, err := planAndExecute(context.Background(), exec, decision, allInstancesByGroup, now, sequentialIDs())
	require.NoError(t, err)

	assert.Equal(t, 2, result.ScaleDownIssued)
	require.Len(t, agentMgmt.AttributeUpdates, 2)
	assert.Equal(t, "ip1", agentMgmt.AttributeUpdates[0].InstanceID)
	assert.Equal(t, "ip2", agentMgmt.AttributeUpdates[1].InstanceID)
	assert.Contains(t, agentMgmt.AttributeUpdates[0].Attrs, AttrRemovable)
	assert.Contains(t, agentMgmt.AttributeUpdates[0].Attrs, AttrSystemNoPlacement)
}

func TestPlanAndExecute_ScaleDownRespectsGroupMinimum(t *testing.T) {
	now := time.Now()
	atMin := InstanceGroup{ID: "g1", Tier: "critical", LifecycleState: GroupActive, Min: 2, Current: 2, Desired: 2, Max: 10}
	idle := Instance{ID: "i1", InstanceGroupID: "g1", LifecycleState: InstanceStarted}

	decision := &TierDecision{
		Tier:              "critical",
		ScaleDownGroups:   []InstanceGroup{atMin},
		IdleInstances:     []Instance{idle},
		ApprovedScaleDown: 1,
	}
	allInstancesByGroup := map[string][]Instance{"g1": {idle}}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	exec := DirectExecutor{AgentMgmt: agentMgmt}

	result, err := planAndExecute(context.Background(), exec, decision, allInstancesByGroup, now, sequentialIDs())
	require.NoError(t, err)

	assert.Equal(t, 0, result.ScaleDownIssued, "current == min leaves no removable headroom")
	assert.Empty(t, agentMgmt.AttributeUpdates)
}

func TestPlanAndExecute_ScaleDownSubtractsAlreadyRemovableInstances(t *testing.T) {
	now := time.Now()
	g := InstanceGroup{ID: "g1", Tier: "critical", LifecycleState: GroupActive, Min: 0, Current: 4, Desired: 4, Max: 10}

	idle1 := Instance{ID: "i1", InstanceGroupID: "g1", LifecycleState: InstanceStarted}
	idle2 := Instance{ID: "i2", InstanceGroupID: "g1", LifecycleState: InstanceStarted}
	alreadyRemovable := Instance{
		ID: "i3", InstanceGroupID: "g1", LifecycleState: InstanceStarted,
		Attributes: map[string]string{AttrRemovable: now.Add(-time.Minute).UTC().Format(time.RFC3339)},
	}

	decision := &TierDecision{
		Tier:              "critical",
		ScaleDownGroups:   []InstanceGroup{g},
		IdleInstances:     []Instance{idle1, idle2}, // the evaluator's idle set already excludes alreadyRemovable
		ApprovedScaleDown: 2,
	}
	allInstancesByGroup := map[string][]Instance{"g1": {idle1, idle2, alreadyRemovable}}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	exec := DirectExecutor{AgentMgmt: agentMgmt}

	result, err := planAndExecute(context.Background(), exec, decision, allInstancesByGroup, now, sequentialIDs())
	require.NoError(t, err)

	assert.Equal(t, 1, result.ScaleDownIssued, "current 4 - min 0 - 1 already-removable leaves only 1 more slot")
	require.Len(t, agentMgmt.AttributeUpdates, 1)
	assert.Equal(t, "i1", agentMgmt.AttributeUpdates[0].InstanceID)
}
