package autoscaler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetautoscaler/pkg/autoscaler/autoscalerfakes"
	"fleetautoscaler/pkg/interfaces"
)

func baseTierConfig() TierConfig {
	return TierConfig{
		PrimaryInstanceType:     "m5.xlarge",
		MinIdle:                 2,
		MaxIdle:                 5,
		ScaleUpCooldown:         time.Minute,
		ScaleDownCooldown:       time.Minute,
		IdleInstanceGracePeriod: 30 * time.Second,
		TaskSLO:                 2 * time.Minute,
	}
}

func freshState(now time.Time) *TierExecutionState {
	return &TierExecutionState{
		Tier:            "critical",
		ScaleUpBucket:   NewTokenBucket(50, 2, time.Second, now),
		ScaleDownBucket: NewTokenBucket(50, 2, time.Second, now),
	}
}

func newStartedInstance(id, groupID string, launchedAgo time.Duration, now time.Time) Instance {
	return Instance{
		ID:              id,
		InstanceGroupID: groupID,
		LifecycleState:  InstanceStarted,
		LaunchTimestamp: now.Add(-launchedAgo),
	}
}

func TestEvaluateTier_ScalesUpToMeetMinIdle(t *testing.T) {
	now := time.Now()
	group := InstanceGroup{ID: "g1", Tier: "critical", InstanceType: "m5.xlarge", LifecycleState: GroupActive, Min: 0, Current: 1, Desired: 1, Max: 10}
	snap := &Snapshot{
		Now:    now,
		Jobs:   map[string]Job{},
		Tasks:  map[string]Task{},
		Groups: []InstanceGroup{group},
		InstancesByGroup: map[string][]Instance{
			"g1": {newStartedInstance("i1", "g1", time.Minute, now)}, // one idle instance, min_idle wants 2
		},
		TasksOnAgent: map[string]int{},
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	agentMgmt.Limits["m5.xlarge"] = interfaces.ResourceLimits{CPU: 4, MemoryMB: 16000, DiskMB: 100000, NetMbps: 1000}

	recently := newInProcessRecentlyScaledFor()
	state := freshState(now)

	decision, err := evaluateTier(context.Background(), snap, "critical", baseTierConfig(), state, recently, agentMgmt, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, decision.ApprovedScaleUp, "min_idle=2 minus the one idle instance already present")
	assert.True(t, decision.UsedScaleUpCooldown)
	assert.Equal(t, 1, decision.Gauges.IdleInstances)
}

func TestEvaluateTier_DominantResourceCeiling(t *testing.T) {
	now := time.Now()
	group := InstanceGroup{ID: "g1", Tier: "critical", InstanceType: "m5.xlarge", LifecycleState: GroupActive, Min: 0, Current: 5, Desired: 5, Max: 10}

	jobs := map[string]Job{
		"job-heavy": {ID: "job-heavy", ContainerRes: ContainerResources{CPU: 3.5, MemoryMB: 1000, DiskMB: 1000, NetMbps: 10}},
	}
	tasks := map[string]Task{}
	var failures []PlacementFailure
	// 5 failed tasks each needing 3.5 CPU against a 4-CPU instance type:
	// dominant resource count should be ceil(5*3.5/4) = 5.
	for i := 0; i < 5; i++ {
		id := "task-" + string(rune('a'+i))
		tasks[id] = Task{ID: id, JobID: "job-heavy", State: TaskAccepted, StateSince: now}
		failures = append(failures, PlacementFailure{TaskID: id, Tier: "critical", FailureKind: FailureAllAgentsFull})
	}

	snap := &Snapshot{
		Now:              now,
		Jobs:             jobs,
		Tasks:            tasks,
		Groups:           []InstanceGroup{group},
		InstancesByGroup: map[string][]Instance{"g1": {}}, // no idle instances at all
		TasksOnAgent:     map[string]int{},
		failures:         failures,
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	agentMgmt.Limits["m5.xlarge"] = interfaces.ResourceLimits{CPU: 4, MemoryMB: 16000, DiskMB: 100000, NetMbps: 1000}

	cfg := baseTierConfig()
	cfg.MinIdle = 0
	state := freshState(now)

	decision, err := evaluateTier(context.Background(), snap, "critical", cfg, state, newInProcessRecentlyScaledFor(), agentMgmt, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, decision.ApprovedScaleUp)
}

func TestEvaluateTier_LaunchGuardExcludedFromDemand(t *testing.T) {
	now := time.Now()
	group := InstanceGroup{ID: "g1", Tier: "critical", InstanceType: "m5.xlarge", LifecycleState: GroupActive, Min: 0, Current: 5, Desired: 5, Max: 10}

	jobs := map[string]Job{
		"job-a": {ID: "job-a", ContainerRes: ContainerResources{CPU: 1, MemoryMB: 100, DiskMB: 100, NetMbps: 1}},
	}
	tasks := map[string]Task{
		"t1": {ID: "t1", JobID: "job-a", State: TaskAccepted, StateSince: now},
	}
	failures := []PlacementFailure{
		{TaskID: "t1", Tier: "critical", FailureKind: FailureLaunchGuard},
	}

	snap := &Snapshot{
		Now:              now,
		Jobs:             jobs,
		Tasks:            tasks,
		Groups:           []InstanceGroup{group},
		InstancesByGroup: map[string][]Instance{"g1": {}},
		TasksOnAgent:     map[string]int{},
		failures:         failures,
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	agentMgmt.Limits["m5.xlarge"] = interfaces.ResourceLimits{CPU: 4, MemoryMB: 16000, DiskMB: 100000, NetMbps: 1000}

	cfg := baseTierConfig()
	cfg.MinIdle = 0
	state := freshState(now)

	decision, err := evaluateTier(context.Background(), snap, "critical", cfg, state, newInProcessRecentlyScaledFor(), agentMgmt, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, decision.ApprovedScaleUp, "a task already under LaunchGuard must not add to scale-up demand")
}

func TestEvaluateTier_ScaleDownSuppressedWhenScaleUpApproved(t *testing.T) {
	now := time.Now()
	group := InstanceGroup{ID: "g1", Tier: "critical", InstanceType: "m5.xlarge", LifecycleState: GroupActive, Min: 0, Current: 10, Desired: 10, Max: 20}

	var instances []Instance
	for i := 0; i < 8; i++ { // 8 idle instances: above max_idle(5), would normally trigger scale-down
		instances = append(instances, newStartedInstance("idle-"+string(rune('a'+i)), "g1", time.Minute, now))
	}

	snap := &Snapshot{
		Now:              now,
		Jobs:             map[string]Job{},
		Tasks:            map[string]Task{},
		Groups:           []InstanceGroup{group},
		InstancesByGroup: map[string][]Instance{"g1": instances},
		TasksOnAgent:     map[string]int{},
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	agentMgmt.Limits["m5.xlarge"] = interfaces.ResourceLimits{CPU: 4, MemoryMB: 16000, DiskMB: 100000, NetMbps: 1000}

	cfg := baseTierConfig()
	cfg.MinIdle = 9 // forces a scale-up shortfall despite 8 idle, so scale-up wins this tick
	state := freshState(now)

	decision, err := evaluateTier(context.Background(), snap, "critical", cfg, state, newInProcessRecentlyScaledFor(), agentMgmt, nil)
	require.NoError(t, err)

	assert.Greater(t, decision.ApprovedScaleUp, 0)
	assert.Equal(t, 0, decision.ApprovedScaleDown, "scale-down must be suppressed in the same tick a scale-up was approved")
}

func TestEvaluateTier_CooldownBlocksScaleUp(t *testing.T) {
	now := time.Now()
	group := InstanceGroup{ID: "g1", Tier: "critical", InstanceType: "m5.xlarge", LifecycleState: GroupActive, Min: 0, Current: 1, Desired: 1, Max: 10}
	snap := &Snapshot{
		Now:              now,
		Jobs:             map[string]Job{},
		Tasks:            map[string]Task{},
		Groups:           []InstanceGroup{group},
		InstancesByGroup: map[string][]Instance{"g1": {}},
		TasksOnAgent:     map[string]int{},
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	agentMgmt.Limits["m5.xlarge"] = interfaces.ResourceLimits{CPU: 4, MemoryMB: 16000, DiskMB: 100000, NetMbps: 1000}

	cfg := baseTierConfig()
	state := freshState(now)
	state.LastScaleUpAt = now.Add(-5 * time.Second) // within the 1-minute cooldown

	decision, err := evaluateTier(context.Background(), snap, "critical", cfg, state, newInProcessRecentlyScaledFor(), agentMgmt, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, decision.ApprovedScaleUp)
	assert.False(t, decision.UsedScaleUpCooldown)
}

func TestEvaluateTier_IdleInstanceExcludedWhenOccupied(t *testing.T) {
	now := time.Now()
	group := InstanceGroup{ID: "g1", Tier: "critical", InstanceType: "m5.xlarge", LifecycleState: GroupActive, Min: 0, Current: 1, Desired: 1, Max: 10}
	inst := newStartedInstance("i1", "g1", time.Minute, now)

	snap := &Snapshot{
		Now:              now,
		Jobs:             map[string]Job{},
		Tasks:            map[string]Task{},
		Groups:           []InstanceGroup{group},
		InstancesByGroup: map[string][]Instance{"g1": {inst}},
		TasksOnAgent:     map[string]int{"i1": 1},
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	agentMgmt.Limits["m5.xlarge"] = interfaces.ResourceLimits{CPU: 4, MemoryMB: 16000, DiskMB: 100000, NetMbps: 1000}

	state := freshState(now)
	decision, err := evaluateTier(context.Background(), snap, "critical", baseTierConfig(), state, newInProcessRecentlyScaledFor(), agentMgmt, nil)
	require.NoError(t, err)

	assert.Empty(t, decision.IdleInstances)
}

func TestEvaluateTier_IdleInstanceExcludedWithinGracePeriod(t *testing.T) {
	now := time.Now()
	group := InstanceGroup{ID: "g1", Tier: "critical", InstanceType: "m5.xlarge", LifecycleState: GroupActive, Min: 0, Current: 1, Desired: 1, Max: 10}
	inst := newStartedInstance("i1", "g1", time.Second, now) // launched 1s ago, grace period is 30s

	snap := &Snapshot{
		Now:              now,
		Jobs:             map[string]Job{},
		Tasks:            map[string]Task{},
		Groups:           []InstanceGroup{group},
		InstancesByGroup: map[string][]Instance{"g1": {inst}},
		TasksOnAgent:     map[string]int{},
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	agentMgmt.Limits["m5.xlarge"] = interfaces.ResourceLimits{CPU: 4, MemoryMB: 16000, DiskMB: 100000, NetMbps: 1000}

	state := freshState(now)
	decision, err := evaluateTier(context.Background(), snap, "critical", baseTierConfig(), state, newInProcessRecentlyScaledFor(), agentMgmt, nil)
	require.NoError(t, err)

	assert.Empty(t, decision.IdleInstances)
}

func TestEvaluateTier_HardConstraintExcludesTaskFromScalability(t *testing.T) {
	now := time.Now()
	group := InstanceGroup{ID: "g1", Tier: "critical", InstanceType: "m5.xlarge", LifecycleState: GroupActive, Min: 0, Current: 5, Desired: 5, Max: 10}

	jobs := map[string]Job{
		"job-pinned": {ID: "job-pinned", ContainerRes: ContainerResources{CPU: 1, MemoryMB: 100, DiskMB: 100, NetMbps: 1}, HardConstraints: map[string]string{"MachineId": "node-7"}},
	}
	tasks := map[string]Task{
		"t1": {ID: "t1", JobID: "job-pinned", State: TaskAccepted, StateSince: now},
	}
	failures := []PlacementFailure{{TaskID: "t1", Tier: "critical", FailureKind: FailureAllAgentsFull}}

	snap := &Snapshot{
		Now:              now,
		Jobs:             jobs,
		Tasks:            tasks,
		Groups:           []InstanceGroup{group},
		InstancesByGroup: map[string][]Instance{"g1": {}},
		TasksOnAgent:     map[string]int{},
		failures:         failures,
	}

	agentMgmt := autoscalerfakes.NewAgentManagement()
	agentMgmt.Limits["m5.xlarge"] = interfaces.ResourceLimits{CPU: 4, MemoryMB: 16000, DiskMB: 100000, NetMbps: 1000}

	cfg := baseTierConfig()
	cfg.MinIdle = 0
	state := freshState(now)

	decision, err := evaluateTier(context.Background(), snap, "critical", cfg, state, newInProcessRecentlyScaledFor(), agentMgmt, []string{"machineid"})
	require.NoError(t, err)

	assert.Equal(t, 0, decision.ApprovedScaleUp, "a task pinned to a specific machine cannot be fixed by scaling up")
}
