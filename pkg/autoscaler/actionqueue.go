package autoscaler

import (
	"context"

	"fleetautoscaler/pkg/interfaces"
)

// ActionExecutor is how the planner carries out a decided action. In
// production this enqueues to the asynq action queue so a slow
// AgentManagement call never stalls the evaluation loop; DirectExecutor
// calls straight through to AgentManagement, used by tests and by
// deployments that run without a queue.
type ActionExecutor interface {
	ScaleUp(ctx context.Context, groupID string, delta int) error
	UpdateAgentInstanceAttributes(ctx context.Context, instanceID string, attrs map[string]string) error
	DeleteAgentInstanceAttributes(ctx context.Context, instanceID string, keys []string) error
}

// DirectExecutor executes every action synchronously against AgentManagement.
type DirectExecutor struct {
	AgentMgmt interfaces.AgentManagement
}

var _ ActionExecutor = DirectExecutor{}

func (d DirectExecutor) ScaleUp(ctx context.Context, groupID string, delta int) error {
	return d.AgentMgmt.ScaleUp(ctx, groupID, delta)
}

func (d DirectExecutor) UpdateAgentInstanceAttributes(ctx context.Context, instanceID string, attrs map[string]string) error {
	return d.AgentMgmt.UpdateAgentInstanceAttributes(ctx, instanceID, attrs)
}

func (d DirectExecutor) DeleteAgentInstanceAttributes(ctx context.Context, instanceID string, keys []string) error {
	return d.AgentMgmt.DeleteAgentInstanceAttributes(ctx, instanceID, keys)
}
