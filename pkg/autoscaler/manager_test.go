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

func testConfig() *Config {
	return &Config{
		GlobalConfig: GlobalConfig{
			Enabled:                       true,
			IterationInterval:             time.Minute,
			ActivationDelay:               0,
			EvaluationTimeout:             5 * time.Second,
			AgentInstanceRemovableTimeout: time.Hour,
		},
		Tiers: map[Tier]TierConfig{
			"critical": {
				PrimaryInstanceType:     "m5.xlarge",
				MinIdle:                 1,
				MaxIdle:                 5,
				ScaleUpCooldown:         time.Minute,
				ScaleDownCooldown:       time.Minute,
				IdleInstanceGracePeriod: 0,
				TaskSLO:                 2 * time.Minute,
			},
		},
	}
}

func newTestManager(t *testing.T, agentMgmt *autoscalerfakes.AgentManagement, scheduler *autoscalerfakes.Scheduler, jobOps *autoscalerfakes.JobOperations) *Manager {
	t.Helper()
	lock := NewRedisDistributedLock(nil, "test")
	recently := NewRedisRecentlyScaledFor(nil, "")
	exec := DirectExecutor{AgentMgmt: agentMgmt}
	return NewManager(testConfig(), agentMgmt, scheduler, jobOps, exec, recently, lock, nil, nil, nil)
}

func TestManager_RunOnceIssuesScaleUpForMinIdleShortfall(t *testing.T) {
	agentMgmt := autoscalerfakes.NewAgentManagement()
	agentMgmt.Groups["g1"] = interfaces.InstanceGroupView{ID: "g1", Tier: "critical", InstanceType: "m5.xlarge", LifecycleState: "Active", Min: 0, Current: 0, Desired: 0, Max: 10}
	agentMgmt.Limits["m5.xlarge"] = interfaces.ResourceLimits{CPU: 4, MemoryMB: 16000, DiskMB: 100000, NetMbps: 1000}

	scheduler := autoscalerfakes.NewScheduler()
	jobOps := autoscalerfakes.NewJobOperations()

	m := newTestManager(t, agentMgmt, scheduler, jobOps)

	err := m.runOnce(context.Background(), "")
	require.NoError(t, err)

	require.Len(t, agentMgmt.ScaleUps, 1)
	assert.Equal(t, "g1", agentMgmt.ScaleUps[0].GroupID)
	assert.Equal(t, 1, agentMgmt.ScaleUps[0].Delta)

	status, err := m.GetStatus()
	require.NoError(t, err)
	require.Len(t, status.Tiers, 1)
	assert.Equal(t, 1, status.Tiers[0].Gauges.AgentsBeingScaledUp)
}

func TestManager_RunOnceSkipsWhenDisabled(t *testing.T) {
	agentMgmt := autoscalerfakes.NewAgentManagement()
	agentMgmt.Groups["g1"] = interfaces.InstanceGroupView{ID: "g1", Tier: "critical", InstanceType: "m5.xlarge", LifecycleState: "Active", Max: 10}
	agentMgmt.Limits["m5.xlarge"] = interfaces.ResourceLimits{CPU: 4, MemoryMB: 16000, DiskMB: 100000, NetMbps: 1000}

	m := newTestManager(t, agentMgmt, autoscalerfakes.NewScheduler(), autoscalerfakes.NewJobOperations())
	require.NoError(t, m.Disable(context.Background()))

	m.safeRunOnce(context.Background(), "")

	assert.Empty(t, agentMgmt.ScaleUps, "a disabled manager must not evaluate or act")
}

func TestManager_EnableDisableToggleState(t *testing.T) {
	m := newTestManager(t, autoscalerfakes.NewAgentManagement(), autoscalerfakes.NewScheduler(), autoscalerfakes.NewJobOperations())

	assert.True(t, m.IsEnabled())
	require.NoError(t, m.Disable(context.Background()))
	assert.False(t, m.IsEnabled())
	require.NoError(t, m.Enable(context.Background()))
	assert.True(t, m.IsEnabled())
}

func TestManager_UpdateGlobalConfigRejectsInvalidTier(t *testing.T) {
	m := newTestManager(t, autoscalerfakes.NewAgentManagement(), autoscalerfakes.NewScheduler(), autoscalerfakes.NewJobOperations())

	bad := testConfig()
	bad.Tiers["critical"] = TierConfig{PrimaryInstanceType: "m5.xlarge", MinIdle: 10, MaxIdle: 1}

	err := m.UpdateGlobalConfig(context.Background(), bad)
	assert.Error(t, err)
}

func TestManager_GetTierHistoryWithoutRepoErrors(t *testing.T) {
	m := newTestManager(t, autoscalerfakes.NewAgentManagement(), autoscalerfakes.NewScheduler(), autoscalerfakes.NewJobOperations())

	_, err := m.GetTierHistory(context.Background(), "critical", 10)
	assert.Error(t, err)
}
