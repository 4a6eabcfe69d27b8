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

func TestBuildSnapshot_OrdersActiveGroupsBeforePhasedOut(t *testing.T) {
	agentMgmt := autoscalerfakes.NewAgentManagement()
	agentMgmt.Groups["phased"] = interfaces.InstanceGroupView{ID: "phased", Tier: "critical", InstanceType: "m5.xlarge", LifecycleState: "PhasedOut"}
	agentMgmt.Groups["active"] = interfaces.InstanceGroupView{ID: "active", Tier: "critical", InstanceType: "m5.xlarge", LifecycleState: "Active"}

	scheduler := autoscalerfakes.NewScheduler()
	jobOps := autoscalerfakes.NewJobOperations()

	snap, err := BuildSnapshot(context.Background(), NewFixedClock(time.Now()), agentMgmt, scheduler, jobOps)
	require.NoError(t, err)
	require.Len(t, snap.Groups, 2)

	firstActiveIndex, firstPhasedIndex := -1, -1
	for i, g := range snap.Groups {
		if g.LifecycleState == GroupActive && firstActiveIndex == -1 {
			firstActiveIndex = i
		}
		if g.LifecycleState == GroupPhasedOut && firstPhasedIndex == -1 {
			firstPhasedIndex = i
		}
	}
	assert.Less(t, firstActiveIndex, firstPhasedIndex)
}

func TestBuildSnapshot_CountsOccupiedInstances(t *testing.T) {
	agentMgmt := autoscalerfakes.NewAgentManagement()
	agentMgmt.Groups["g1"] = interfaces.InstanceGroupView{ID: "g1", Tier: "critical", InstanceType: "m5.xlarge", LifecycleState: "Active"}
	agentMgmt.Instances["g1"] = []interfaces.InstanceView{{ID: "i1", InstanceGroupID: "g1", LifecycleState: "Started"}}

	jobOps := autoscalerfakes.NewJobOperations()
	jobOps.Jobs["job-a"] = interfaces.JobView{ID: "job-a"}
	jobOps.Tasks["t1"] = interfaces.TaskView{ID: "t1", JobID: "job-a", State: "Running", InstanceID: "i1"}
	jobOps.Tasks["t2"] = interfaces.TaskView{ID: "t2", JobID: "job-a", State: "Accepted"}

	scheduler := autoscalerfakes.NewScheduler()

	snap, err := BuildSnapshot(context.Background(), NewFixedClock(time.Now()), agentMgmt, scheduler, jobOps)
	require.NoError(t, err)

	assert.Equal(t, 1, snap.TasksOnAgent["i1"])
}

func TestSnapshot_GroupsForTierFiltersByTierAndInstanceType(t *testing.T) {
	snap := &Snapshot{
		Groups: []InstanceGroup{
			{ID: "g1", Tier: "critical", InstanceType: "m5.xlarge"},
			{ID: "g2", Tier: "flex", InstanceType: "m5.xlarge"},
			{ID: "g3", Tier: "critical", InstanceType: "c5.large"},
		},
	}

	got := snap.GroupsForTier("critical", "m5.xlarge")
	require.Len(t, got, 1)
	assert.Equal(t, "g1", got[0].ID)
}
