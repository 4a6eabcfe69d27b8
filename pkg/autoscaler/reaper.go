package autoscaler

import (
	"context"
	"time"

	"fleetautoscaler/pkg/logger"
)

// reapStaleRemovableMarkings clears the REMOVABLE/SYSTEM_NO_PLACEMENT pair
// on any instance that was marked removable longer than removableTimeout
// ago and has still not been collected by the external reaper. Without this
// guard a collaborator outage permanently strands an instance in a
// removable-but-never-removed limbo, shrinking the tier's usable capacity
// for good.
func reapStaleRemovableMarkings(ctx context.Context, exec ActionExecutor, snap *Snapshot, removableTimeout time.Duration, idGen func() string) []ScaleAction {
	var actions []ScaleAction

	for _, instances := range snap.InstancesByGroup {
		for _, inst := range instances {
			if !inst.isRemovable() {
				continue
			}
			markedAt, ok := removableMarkedAt(inst)
			if !ok {
				continue
			}
			if snap.Now.Sub(markedAt) < removableTimeout {
				continue
			}

			if err := exec.DeleteAgentInstanceAttributes(ctx, inst.ID, []string{AttrRemovable, AttrSystemNoPlacement}); err != nil {
				logger.WarnCtx(ctx, "reaper: failed to clear removable marking on %s: %v", inst.ID, err)
				continue
			}

			logger.WarnCtx(ctx, "reaper: cleared stale removable marking on instance %s (group %s), marked %s ago",
				inst.ID, inst.InstanceGroupID, snap.Now.Sub(markedAt))

			actions = append(actions, ScaleAction{
				ID:              idGen(),
				InstanceGroupID: inst.InstanceGroupID,
				InstanceID:      inst.ID,
				Kind:            "reaper_reset",
				Reason:          "external reaper did not collect instance within removable timeout",
				Timestamp:       snap.Now,
			})
		}
	}

	return actions
}

// removableMarkedAt reads the RFC3339 timestamp the planner writes as the
// value of the REMOVABLE attribute itself. An instance marked removable by
// something other than the planner (no parseable value) is treated as
// marked at its launch time, which makes the guard conservative: it may
// reap later than ideal, never earlier.
func removableMarkedAt(inst Instance) (time.Time, bool) {
	if v, ok := inst.attr(AttrRemovable); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
	}
	if !inst.LaunchTimestamp.IsZero() {
		return inst.LaunchTimestamp, true
	}
	return time.Time{}, false
}
