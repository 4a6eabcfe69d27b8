// Package autoscalerfakes provides in-memory stand-ins for the
// AgentManagement, Scheduler, and JobOperations collaborators, so the
// decision engine can be exercised deterministically without EC2,
// Karpenter, or a real scheduler running anywhere.
package autoscalerfakes

import (
	"context"
	"fmt"
	"sync"

	"fleetautoscaler/pkg/interfaces"
)

// AgentManagement is a mutable in-memory fake of interfaces.AgentManagement.
// Tests seed Groups/Instances/Limits directly and then assert against the
// ScaleUps/AttributeUpdates/AttributeDeletes call logs.
type AgentManagement struct {
	mu sync.Mutex

	Groups    map[string]interfaces.InstanceGroupView
	Instances map[string][]interfaces.InstanceView // groupID -> instances
	Limits    map[string]interfaces.ResourceLimits // instance type -> limits

	ScaleUps          []ScaleUpCall
	AttributeUpdates  []AttributeUpdateCall
	AttributeDeletes  []AttributeDeleteCall
}

type ScaleUpCall struct {
	GroupID string
	Delta   int
}

type AttributeUpdateCall struct {
	InstanceID string
	Attrs      map[string]string
}

type AttributeDeleteCall struct {
	InstanceID string
	Keys       []string
}

func NewAgentManagement() *AgentManagement {
	return &AgentManagement{
		Groups:    make(map[string]interfaces.InstanceGroupView),
		Instances: make(map[string][]interfaces.InstanceView),
		Limits:    make(map[string]interfaces.ResourceLimits),
	}
}

var _ interfaces.AgentManagement = (*AgentManagement)(nil)

func (f *AgentManagement) ListInstanceGroups(ctx context.Context) ([]interfaces.InstanceGroupView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interfaces.InstanceGroupView, 0, len(f.Groups))
	for _, g := range f.Groups {
		out = append(out, g)
	}
	return out, nil
}

func (f *AgentManagement) ListInstances(ctx context.Context, groupID string) ([]interfaces.InstanceView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interfaces.InstanceView{}, f.Instances[groupID]...), nil
}

func (f *AgentManagement) ResourceLimits(ctx context.Context, instanceType string) (interfaces.ResourceLimits, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	limits, ok := f.Limits[instanceType]
	if !ok {
		return interfaces.ResourceLimits{}, fmt.Errorf("fake agent management: no limits configured for instance type %s", instanceType)
	}
	return limits, nil
}

func (f *AgentManagement) ScaleUp(ctx context.Context, groupID string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ScaleUps = append(f.ScaleUps, ScaleUpCall{GroupID: groupID, Delta: delta})
	if g, ok := f.Groups[groupID]; ok {
		g.Current += delta
		g.Desired += delta
		f.Groups[groupID] = g
	}
	return nil
}

func (f *AgentManagement) UpdateAgentInstanceAttributes(ctx context.Context, instanceID string, attrs map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AttributeUpdates = append(f.AttributeUpdates, AttributeUpdateCall{InstanceID: instanceID, Attrs: attrs})
	for groupID, instances := range f.Instances {
		for i, inst := range instances {
			if inst.ID != instanceID {
				continue
			}
			if inst.Attributes == nil {
				inst.Attributes = map[string]string{}
			}
			for k, v := range attrs {
				inst.Attributes[k] = v
			}
			f.Instances[groupID][i] = inst
		}
	}
	return nil
}

func (f *AgentManagement) DeleteAgentInstanceAttributes(ctx context.Context, instanceID string, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AttributeDeletes = append(f.AttributeDeletes, AttributeDeleteCall{InstanceID: instanceID, Keys: keys})
	for groupID, instances := range f.Instances {
		for i, inst := range instances {
			if inst.ID != instanceID {
				continue
			}
			for _, k := range keys {
				delete(inst.Attributes, k)
			}
			f.Instances[groupID][i] = inst
		}
	}
	return nil
}

// Scheduler is an in-memory fake of interfaces.Scheduler.
type Scheduler struct {
	mu       sync.Mutex
	Failures []interfaces.PlacementFailureView
}

func NewScheduler() *Scheduler { return &Scheduler{} }

var _ interfaces.Scheduler = (*Scheduler)(nil)

func (s *Scheduler) LastTaskPlacementFailures(ctx context.Context) ([]interfaces.PlacementFailureView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]interfaces.PlacementFailureView{}, s.Failures...), nil
}

// JobOperations is an in-memory fake of interfaces.JobOperations.
type JobOperations struct {
	mu    sync.Mutex
	Jobs  map[string]interfaces.JobView
	Tasks map[string]interfaces.TaskView
}

func NewJobOperations() *JobOperations {
	return &JobOperations{
		Jobs:  make(map[string]interfaces.JobView),
		Tasks: make(map[string]interfaces.TaskView),
	}
}

var _ interfaces.JobOperations = (*JobOperations)(nil)

func (j *JobOperations) ListJobs(ctx context.Context) ([]interfaces.JobView, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]interfaces.JobView, 0, len(j.Jobs))
	for _, job := range j.Jobs {
		out = append(out, job)
	}
	return out, nil
}

func (j *JobOperations) ListTasks(ctx context.Context) ([]interfaces.TaskView, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]interfaces.TaskView, 0, len(j.Tasks))
	for _, task := range j.Tasks {
		out = append(out, task)
	}
	return out, nil
}
