package autoscaler

import (
	"context"
	"math"
	"strings"
	"time"

	"fleetautoscaler/pkg/interfaces"
)

// scaleUpExcludedFailures are placement-failure kinds that never count
// toward scale-up demand: NEVER_TRIGGER_AUTOSCALING means the scheduler has
// already decided no amount of capacity will fix this failure, and
// LaunchGuard means a scale-up for this task is already outstanding.
var scaleUpExcludedFailures = map[FailureKind]bool{
	FailureNeverTriggerAutoscaling: true,
	FailureLaunchGuard:             true,
}

// gaugeExcludedFailures is the narrower exclusion used for the FailedTasks
// gauge, which reports everything the scheduler could not place regardless
// of whether the autoscaler will act on it.
var gaugeExcludedFailures = map[FailureKind]bool{
	FailureNeverTriggerAutoscaling: true,
}

// TierDecision is the evaluator's verdict for one tier: how many agents to
// add or remove, and the ordered, tier-scoped groups the planner should
// distribute that delta across.
type TierDecision struct {
	Tier Tier

	// ScaleUpGroups is Active-before-PhasedOut; ScaleDownGroups is the
	// reverse, PhasedOut-before-Active.
	ScaleUpGroups   []InstanceGroup
	ScaleDownGroups []InstanceGroup

	IdleInstances []Instance

	ApprovedScaleUp      int
	ApprovedScaleDown    int
	UsedScaleUpCooldown  bool
	UsedScaleDownCooldown bool

	Gauges TierGauges
}

// evaluateTier runs Steps A-E of one tier's evaluation against snap, reading
// and updating state's token buckets in place (bucket consumption is
// unconditional once a take succeeds; cooldown timestamps are left for the
// caller to commit only if the planner actually issues an action).
func evaluateTier(ctx context.Context, snap *Snapshot, tier Tier, cfg TierConfig, state *TierExecutionState, recently RecentlyScaledFor, agentMgmt interfaces.AgentManagement, ignoredHardConstraints []string) (*TierDecision, error) {
	limits, err := agentMgmt.ResourceLimits(ctx, cfg.PrimaryInstanceType)
	if err != nil {
		return nil, err
	}

	scalable := snap.GroupsForTier(tier, cfg.PrimaryInstanceType)
	scaleDownGroups := reverseGroups(scalable)

	idle := idleInstances(snap, scalable, cfg.IdleInstanceGracePeriod)

	ignoredHC := lowerSet(ignoredHardConstraints)

	decision := &TierDecision{
		Tier:            tier,
		ScaleUpGroups:   scalable,
		ScaleDownGroups: scaleDownGroups,
		IdleInstances:   idle,
	}
	decision.Gauges.IdleInstances = len(idle)
	decision.Gauges.FailedTasks = len(snap.failureTaskIDs(tier, gaugeExcludedFailures))

	sloTaskIDs := sloViolatingTasks(snap, tier, cfg.TaskSLO)
	decision.Gauges.TasksPastSLO = len(sloTaskIDs)

	// Step C: proposed scale-up, gated by cooldown.
	proposedScaleUp := 0
	if snap.Now.Sub(state.LastScaleUpAt) >= cfg.ScaleUpCooldown {
		shortfall := cfg.MinIdle - len(idle)
		if shortfall < 0 {
			shortfall = 0
		}

		failureTaskIDs := snap.failureTaskIDs(tier, scaleUpExcludedFailures)
		scalableFailures := filterScalableTasks(failureTaskIDs, snap, limits, ignoredHC)
		scalableSLOViolators := filterScalableTasks(sloTaskIDs, snap, limits, ignoredHC)

		fresh := dedupFresh(ctx, unionIDs(scalableFailures, scalableSLOViolators), recently)
		decision.Gauges.TasksForScaleUp = len(fresh)

		dominant := dominantResourceCount(fresh, snap, limits)

		proposedScaleUp = shortfall + dominant
	}
	decision.Gauges.AgentsToScaleUp = proposedScaleUp

	if proposedScaleUp > 0 {
		bucketMax := proposedScaleUp
		if bucketMax > state.ScaleUpBucket.capacity {
			bucketMax = state.ScaleUpBucket.capacity
		}
		granted, next, ok := state.ScaleUpBucket.TryTake(snap.Now, 1, bucketMax)
		if ok {
			state.ScaleUpBucket = next
			decision.ApprovedScaleUp = granted
			decision.UsedScaleUpCooldown = true
		}
	}

	// Step E: scale-down, only when no scale-up was approved this tick.
	if decision.ApprovedScaleUp == 0 && snap.Now.Sub(state.LastScaleDownAt) >= cfg.ScaleDownCooldown {
		surplus := len(idle) - cfg.MaxIdle
		if surplus < 0 {
			surplus = 0
		}
		decision.Gauges.AgentsToScaleDown = surplus

		if surplus > 0 {
			bucketMax := surplus
			if bucketMax > state.ScaleDownBucket.capacity {
				bucketMax = state.ScaleDownBucket.capacity
			}
			granted, next, ok := state.ScaleDownBucket.TryTake(snap.Now, 1, bucketMax)
			if ok {
				state.ScaleDownBucket = next
				decision.ApprovedScaleDown = granted
				decision.UsedScaleDownCooldown = true
			}
		}
	}

	return decision, nil
}

// idleInstances applies the five conjunctive idle conditions: Started,
// past the grace period, neither REMOVABLE nor NOT_REMOVABLE, unoccupied,
// and belonging to a group whose group-level attributes do not mark it
// NOT_REMOVABLE.
func idleInstances(snap *Snapshot, groups []InstanceGroup, gracePeriod time.Duration) []Instance {
	var idle []Instance
	for i := range groups {
		g := &groups[i]
		if g.notRemovable() {
			continue
		}
		for _, inst := range snap.InstancesByGroup[g.ID] {
			if inst.LifecycleState != InstanceStarted {
				continue
			}
			if snap.Now.Sub(inst.LaunchTimestamp) < gracePeriod {
				continue
			}
			if inst.isRemovable() || inst.isNotRemovable() {
				continue
			}
			if snap.TasksOnAgent[inst.ID] > 0 {
				continue
			}
			idle = append(idle, inst)
		}
	}
	return idle
}

// sloViolatingTasks returns the tasks of tier that have a placement failure
// of any kind other than NEVER_TRIGGER_AUTOSCALING and have sat in Accepted
// (queued for placement) for at least slo. An accepted task with no recorded
// placement failure is not counted, however long it has waited.
func sloViolatingTasks(snap *Snapshot, tier Tier, slo time.Duration) []string {
	if slo <= 0 {
		return nil
	}
	var ids []string
	failingTier := make(map[string]bool)
	for _, id := range snap.failureTaskIDs(tier, gaugeExcludedFailures) {
		failingTier[id] = true
	}
	for id, t := range snap.Tasks {
		if t.State != TaskAccepted {
			continue
		}
		if !failingTier[id] {
			continue
		}
		if snap.Now.Sub(t.StateSince) >= slo {
			ids = append(ids, id)
		}
	}
	return ids
}

// filterScalableTasks keeps only task IDs whose job fits the tier's
// resource envelope and carries no hard constraint in ignoredHC.
func filterScalableTasks(taskIDs []string, snap *Snapshot, limits interfaces.ResourceLimits, ignoredHC map[string]bool) []string {
	var out []string
	for _, id := range taskIDs {
		task, ok := snap.Tasks[id]
		if !ok {
			continue
		}
		job, ok := snap.Jobs[task.JobID]
		if !ok {
			continue
		}
		if !isScalable(job, limits, ignoredHC) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func isScalable(job Job, limits interfaces.ResourceLimits, ignoredHC map[string]bool) bool {
	for k := range job.HardConstraints {
		if ignoredHC[strings.ToLower(k)] {
			return false
		}
	}
	if limits.CPU > 0 && job.ContainerRes.CPU > limits.CPU {
		return false
	}
	if limits.MemoryMB > 0 && job.ContainerRes.MemoryMB > limits.MemoryMB {
		return false
	}
	if limits.DiskMB > 0 && job.ContainerRes.DiskMB > limits.DiskMB {
		return false
	}
	if limits.NetMbps > 0 && job.ContainerRes.NetMbps > limits.NetMbps {
		return false
	}
	return true
}

// dominantResourceCount sums cpu/mem/disk/net across taskIDs' jobs, divides
// each by the tier's per-instance limit, ceilings, and returns the largest
// of the four dimensions: the minimum number of additional instances of
// this type that could fit everybody.
func dominantResourceCount(taskIDs []string, snap *Snapshot, limits interfaces.ResourceLimits) int {
	var cpu, mem, disk, net float64
	for _, id := range taskIDs {
		task, ok := snap.Tasks[id]
		if !ok {
			continue
		}
		job, ok := snap.Jobs[task.JobID]
		if !ok {
			continue
		}
		cpu += job.ContainerRes.CPU
		mem += job.ContainerRes.MemoryMB
		disk += job.ContainerRes.DiskMB
		net += job.ContainerRes.NetMbps
	}
	dominant := 0
	for _, ratio := range []int{ceilDiv(cpu, limits.CPU), ceilDiv(mem, limits.MemoryMB), ceilDiv(disk, limits.DiskMB), ceilDiv(net, limits.NetMbps)} {
		if ratio > dominant {
			dominant = ratio
		}
	}
	return dominant
}

func ceilDiv(a, b float64) int {
	if b <= 0 || a <= 0 {
		return 0
	}
	return int(math.Ceil(a / b))
}

// unionIDs returns the distinct union of a and b, preserving a's order
// followed by b's new entries.
func unionIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// dedupFresh keeps only the task IDs not already counted toward a scale-up
// within the dedup TTL window, marking each as counted along the way.
func dedupFresh(ctx context.Context, ids []string, recently RecentlyScaledFor) []string {
	const dedupTTL = 10 * time.Minute
	var fresh []string
	for _, id := range ids {
		if recently.MarkIfAbsent(ctx, id, dedupTTL) {
			fresh = append(fresh, id)
		}
	}
	return fresh
}

// reverseGroups returns a new slice with groups in reverse order, used to
// turn the Active-before-PhasedOut scale-up order into the PhasedOut-
// before-Active scale-down order.
func reverseGroups(groups []InstanceGroup) []InstanceGroup {
	out := make([]InstanceGroup, len(groups))
	for i, g := range groups {
		out[len(groups)-1-i] = g
	}
	return out
}

func lowerSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[strings.ToLower(s)] = true
	}
	return m
}
