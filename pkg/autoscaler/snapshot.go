package autoscaler

import (
	"context"
	"fmt"
	"time"

	"fleetautoscaler/pkg/interfaces"
)

// Snapshot is one immutable read of the cluster taken at the start of an
// iteration: jobs, tasks, instance groups, instances, and the scheduler's
// most recent placement failures. Every tier is evaluated against the same
// Snapshot, so a task or instance cannot change state mid-decision and be
// counted twice or missed entirely.
type Snapshot struct {
	Now time.Time

	Jobs  map[string]Job
	Tasks map[string]Task

	// Groups is ordered Active-before-PhasedOut across every tier, the
	// order the planner's scale-up distribution relies on; filtering it
	// down to one tier preserves that relative order.
	Groups []InstanceGroup

	InstancesByGroup map[string][]Instance

	// TasksOnAgent counts, per instance ID, the tasks currently occupying
	// it (Launched or Running with InstanceID set). Zero means idle.
	TasksOnAgent map[string]int

	failures []PlacementFailure
}

// GroupsForTier returns this tier's groups in the same Active-before-
// PhasedOut order as Groups.
func (s *Snapshot) GroupsForTier(tier Tier, instanceType string) []InstanceGroup {
	var out []InstanceGroup
	for _, g := range s.Groups {
		if g.Tier == tier && g.InstanceType == instanceType {
			out = append(out, g)
		}
	}
	return out
}

// failureTaskIDs returns the distinct task IDs with a placement failure for
// tier, excluding any failure kind in ignoring.
func (s *Snapshot) failureTaskIDs(tier Tier, ignoring map[FailureKind]bool) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, f := range s.failures {
		if f.Tier != tier {
			continue
		}
		if ignoring[f.FailureKind] {
			continue
		}
		if seen[f.TaskID] {
			continue
		}
		seen[f.TaskID] = true
		ids = append(ids, f.TaskID)
	}
	return ids
}

// BuildSnapshot reads the full collaborator surface once: every job and
// task, every instance group and its instances, and the scheduler's last
// placement failures. It is the only place in the package that calls out to
// AgentManagement, Scheduler, or JobOperations.
func BuildSnapshot(ctx context.Context, clock Clock, agentMgmt interfaces.AgentManagement, scheduler interfaces.Scheduler, jobOps interfaces.JobOperations) (*Snapshot, error) {
	groupViews, err := agentMgmt.ListInstanceGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instance groups: %w", err)
	}

	groups := make([]InstanceGroup, 0, len(groupViews))
	instancesByGroup := make(map[string][]Instance, len(groupViews))
	for _, gv := range groupViews {
		if ls := LifecycleState(gv.LifecycleState); ls != GroupActive && ls != GroupPhasedOut {
			continue
		}
		groups = append(groups, InstanceGroup{
			ID:             gv.ID,
			Tier:           Tier(gv.Tier),
			InstanceType:   gv.InstanceType,
			LifecycleState: LifecycleState(gv.LifecycleState),
			Min:            gv.Min,
			Current:        gv.Current,
			Desired:        gv.Desired,
			Max:            gv.Max,
			Attributes:     gv.Attributes,
		})

		instanceViews, err := agentMgmt.ListInstances(ctx, gv.ID)
		if err != nil {
			return nil, fmt.Errorf("list instances for group %s: %w", gv.ID, err)
		}
		instances := make([]Instance, 0, len(instanceViews))
		for _, iv := range instanceViews {
			instances = append(instances, Instance{
				ID:              iv.ID,
				InstanceGroupID: iv.InstanceGroupID,
				LifecycleState:  LifecycleState(iv.LifecycleState),
				LaunchTimestamp: iv.LaunchTimestamp,
				Attributes:      iv.Attributes,
			})
		}
		instancesByGroup[gv.ID] = instances
	}
	orderGroupsActiveFirst(groups)

	jobViews, err := jobOps.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make(map[string]Job, len(jobViews))
	for _, jv := range jobViews {
		jobs[jv.ID] = Job{
			ID: jv.ID,
			ContainerRes: ContainerResources{
				CPU:      jv.CPU,
				MemoryMB: jv.MemoryMB,
				DiskMB:   jv.DiskMB,
				NetMbps:  jv.NetMbps,
			},
			HardConstraints: jv.HardConstraints,
		}
	}

	taskViews, err := jobOps.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make(map[string]Task, len(taskViews))
	tasksOnAgent := make(map[string]int)
	for _, tv := range taskViews {
		tasks[tv.ID] = Task{
			ID:         tv.ID,
			JobID:      tv.JobID,
			State:      TaskState(tv.State),
			StateSince: tv.StateSince,
			InstanceID: tv.InstanceID,
		}
		if tv.InstanceID != "" && (TaskState(tv.State) == TaskLaunched || TaskState(tv.State) == TaskRunning) {
			tasksOnAgent[tv.InstanceID]++
		}
	}

	failureViews, err := scheduler.LastTaskPlacementFailures(ctx)
	if err != nil {
		return nil, fmt.Errorf("last task placement failures: %w", err)
	}
	failures := make([]PlacementFailure, 0, len(failureViews))
	for _, fv := range failureViews {
		failures = append(failures, PlacementFailure{
			TaskID:      fv.TaskID,
			Tier:        Tier(fv.Tier),
			FailureKind: FailureKind(fv.FailureKind),
		})
	}

	return &Snapshot{
		Now:              clock.Now(),
		Jobs:             jobs,
		Tasks:            tasks,
		Groups:           groups,
		InstancesByGroup: instancesByGroup,
		TasksOnAgent:     tasksOnAgent,
		failures:         failures,
	}, nil
}

// orderGroupsActiveFirst stable-sorts groups so every Active group precedes
// every PhasedOut group, preserving discovery order within each bucket.
func orderGroupsActiveFirst(groups []InstanceGroup) {
	active := make([]InstanceGroup, 0, len(groups))
	rest := make([]InstanceGroup, 0, len(groups))
	for _, g := range groups {
		if g.LifecycleState == GroupActive {
			active = append(active, g)
		} else {
			rest = append(rest, g)
		}
	}
	copy(groups, append(active, rest...))
}
