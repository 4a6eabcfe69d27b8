package interfaces

import (
	"context"
	"time"
)

// InstanceGroupView and InstanceView are the transport-agnostic shapes an
// AgentManagement backend reports; the autoscaler package translates these
// into its own InstanceGroup/Instance types so backend packages never need
// to import the autoscaler package.
type InstanceGroupView struct {
	ID             string
	Tier           string
	InstanceType   string
	LifecycleState string
	Min            int
	Current        int
	Desired        int
	Max            int
	Attributes     map[string]string
}

type InstanceView struct {
	ID              string
	InstanceGroupID string
	LifecycleState  string
	LaunchTimestamp time.Time
	Attributes      map[string]string
}

type ResourceLimits struct {
	CPU      float64
	MemoryMB float64
	DiskMB   float64
	NetMbps  float64
}

// AgentManagement is the collaborator that actually grows/shrinks instance
// groups and tags instances. Two implementations ship in pkg/agentmanagement:
// one backed by EC2 instances grouped by an instance-group tag, one backed by
// Kubernetes/Karpenter NodePools.
type AgentManagement interface {
	ListInstanceGroups(ctx context.Context) ([]InstanceGroupView, error)
	ListInstances(ctx context.Context, groupID string) ([]InstanceView, error)
	ResourceLimits(ctx context.Context, instanceType string) (ResourceLimits, error)
	ScaleUp(ctx context.Context, groupID string, delta int) error
	UpdateAgentInstanceAttributes(ctx context.Context, instanceID string, attrs map[string]string) error
	DeleteAgentInstanceAttributes(ctx context.Context, instanceID string, keys []string) error
}

// PlacementFailureView mirrors autoscaler.PlacementFailure without pulling
// in the autoscaler package.
type PlacementFailureView struct {
	TaskID      string
	Tier        string
	FailureKind string
}

// Scheduler reports the outcome of the most recent placement attempt.
type Scheduler interface {
	LastTaskPlacementFailures(ctx context.Context) ([]PlacementFailureView, error)
}

type JobView struct {
	ID              string
	CPU             float64
	MemoryMB        float64
	DiskMB          float64
	NetMbps         float64
	HardConstraints map[string]string
}

type TaskView struct {
	ID         string
	JobID      string
	State      string
	StateSince time.Time
	InstanceID string
}

// JobOperations exposes the job/task catalog the autoscaler reads to build
// its per-iteration snapshot.
type JobOperations interface {
	ListJobs(ctx context.Context) ([]JobView, error)
	ListTasks(ctx context.Context) ([]TaskView, error)
}
