package autoscaler

import (
	"context"
	"fmt"
	"time"

	"fleetautoscaler/pkg/logger"
)

// PlanResult is what the planner actually managed to issue, which can fall
// short of a TierDecision's approved counts when every group is already at
// max (scale-up) or has no more removable headroom (scale-down).
type PlanResult struct {
	ScaleUpIssued   int
	ScaleDownIssued int
	Actions         []ScaleAction
}

// planAndExecute distributes an approved scale-up across groups
// Active-before-PhasedOut, capped per group at max-desired headroom, and an
// approved scale-down across groups PhasedOut-before-Active, capped per
// group at current-min minus instances already marked REMOVABLE. Every
// instance picked for scale-down is atomically marked REMOVABLE and
// SYSTEM_NO_PLACEMENT in the same attribute write. allInstancesByGroup is the
// tier's full per-group instance list (not just the idle ones), needed to
// count instances already marked REMOVABLE from a prior iteration.
func planAndExecute(ctx context.Context, exec ActionExecutor, decision *TierDecision, allInstancesByGroup map[string][]Instance, now time.Time, idGen func() string) (*PlanResult, error) {
	result := &PlanResult{}

	if decision.ApprovedScaleUp > 0 {
		remaining := decision.ApprovedScaleUp
		for i := range decision.ScaleUpGroups {
			if remaining <= 0 {
				break
			}
			g := &decision.ScaleUpGroups[i]
			headroom := g.headroom()
			if headroom <= 0 {
				continue
			}
			take := remaining
			if take > headroom {
				take = headroom
			}

			if err := exec.ScaleUp(ctx, g.ID, take); err != nil {
				logger.WarnCtx(ctx, "scale-up of %d in group %s (tier %s) failed: %v", take, g.ID, decision.Tier, err)
				continue
			}
			g.Desired += take
			remaining -= take

			result.ScaleUpIssued += take
			result.Actions = append(result.Actions, ScaleAction{
				ID:              idGen(),
				Tier:            decision.Tier,
				Kind:            "scale_up",
				InstanceGroupID: g.ID,
				Delta:           take,
				Reason:          fmt.Sprintf("approved %d, idle shortfall and/or unplaceable demand", decision.ApprovedScaleUp),
				Timestamp:       now,
			})
		}

		if remaining > 0 {
			result.Actions = append(result.Actions, ScaleAction{
				ID:        idGen(),
				Tier:      decision.Tier,
				Kind:      "blocked",
				Delta:     remaining,
				Reason:    "no group headroom left to place approved scale-up",
				Timestamp: now,
			})
		}
	}

	if decision.ApprovedScaleDown > 0 {
		idleByGroup := make(map[string][]Instance)
		for _, inst := range decision.IdleInstances {
			idleByGroup[inst.InstanceGroupID] = append(idleByGroup[inst.InstanceGroupID], inst)
		}

		remaining := decision.ApprovedScaleDown
		for i := range decision.ScaleDownGroups {
			if remaining <= 0 {
				break
			}
			g := &decision.ScaleDownGroups[i]

			alreadyRemovable := 0
			for _, inst := range allInstancesByGroup[g.ID] {
				if inst.isRemovable() {
					alreadyRemovable++
				}
			}
			candidates := idleByGroup[g.ID]
			groupCap := g.Current - g.Min - alreadyRemovable
			if groupCap <= 0 {
				continue
			}
			take := remaining
			if take > groupCap {
				take = groupCap
			}
			if take > len(candidates) {
				take = len(candidates)
			}
			if take <= 0 {
				continue
			}

			for j := 0; j < take; j++ {
				inst := candidates[j]
				attrs := map[string]string{
					AttrRemovable:         now.UTC().Format(time.RFC3339),
					AttrSystemNoPlacement: "true",
				}
				if err := exec.UpdateAgentInstanceAttributes(ctx, inst.ID, attrs); err != nil {
					logger.WarnCtx(ctx, "marking instance %s removable (tier %s) failed: %v", inst.ID, decision.Tier, err)
					continue
				}
				g.Desired--
				remaining--
				result.ScaleDownIssued++
				result.Actions = append(result.Actions, ScaleAction{
					ID:              idGen(),
					Tier:            decision.Tier,
					Kind:            "scale_down",
					InstanceGroupID: g.ID,
					InstanceID:      inst.ID,
					Delta:           -1,
					Reason:          fmt.Sprintf("approved %d, idle surplus over max-idle", decision.ApprovedScaleDown),
					Timestamp:       now,
				})
			}
		}
	}

	return result, nil
}
