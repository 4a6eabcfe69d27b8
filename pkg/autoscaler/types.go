package autoscaler

import "time"

// Tier is a service-class partition of the fleet. Each tier carries its own
// configuration and its own cooldown/token-bucket state.
type Tier string

// LifecycleState mirrors the lifecycle states an agent management backend
// reports for instance groups and instances.
type LifecycleState string

const (
	GroupActive    LifecycleState = "Active"
	GroupPhasedOut LifecycleState = "PhasedOut"
	GroupInactive  LifecycleState = "Inactive"

	InstanceStarted  LifecycleState = "Started"
	InstanceStarting LifecycleState = "Starting"
	InstanceUnknown  LifecycleState = "Unknown"
)

// Attribute keys read and written by the autoscaler on instances.
const (
	AttrRemovable         = "REMOVABLE"
	AttrSystemNoPlacement = "SYSTEM_NO_PLACEMENT"
	AttrNotRemovable      = "NOT_REMOVABLE"
)

// FailureKind classifies why the scheduler could not place a task in its
// most recent placement attempt.
type FailureKind string

const (
	FailureAllAgentsFull           FailureKind = "AllAgentsFull"
	FailureLaunchGuard             FailureKind = "LaunchGuard"
	FailureConstraint              FailureKind = "Constraint"
	FailureNeverTriggerAutoscaling FailureKind = "NEVER_TRIGGER_AUTOSCALING"
)

// InstanceGroup is an addressable fleet unit: a set of interchangeable
// agents sharing a tier and instance type.
type InstanceGroup struct {
	ID             string
	Tier           Tier
	InstanceType   string
	LifecycleState LifecycleState
	Min            int
	Current        int
	Desired        int
	Max            int
	Attributes     map[string]string
}

func (g *InstanceGroup) headroom() int {
	if h := g.Max - g.Desired; h > 0 {
		return h
	}
	return 0
}

func (g *InstanceGroup) notRemovable() bool {
	return g.Attributes != nil && g.Attributes[AttrNotRemovable] != ""
}

// Instance is a single agent machine belonging to exactly one InstanceGroup.
type Instance struct {
	ID              string
	InstanceGroupID string
	LifecycleState  LifecycleState
	LaunchTimestamp time.Time
	Attributes      map[string]string
}

func (i *Instance) attr(key string) (string, bool) {
	if i.Attributes == nil {
		return "", false
	}
	v, ok := i.Attributes[key]
	return v, ok
}

func (i *Instance) isRemovable() bool {
	_, ok := i.attr(AttrRemovable)
	return ok
}

func (i *Instance) isNotRemovable() bool {
	_, ok := i.attr(AttrNotRemovable)
	return ok
}

// TaskState is the lifecycle state of a task as reported by job operations.
type TaskState string

const (
	TaskAccepted TaskState = "Accepted"
	TaskLaunched TaskState = "Launched"
	TaskRunning  TaskState = "Running"
	TaskFinished TaskState = "Finished"
)

// ContainerResources is the resource footprint a task's job requests,
// expressed in the same units the agent management backend reports for
// an instance type's limits.
type ContainerResources struct {
	CPU      float64 // cores
	MemoryMB float64
	DiskMB   float64
	NetMbps  float64
}

// Job is the resource/placement template shared by all tasks of a job.
type Job struct {
	ID              string
	ContainerRes    ContainerResources
	HardConstraints map[string]string
}

// Task is a single schedulable unit belonging to a Job.
type Task struct {
	ID         string
	JobID      string
	State      TaskState
	StateSince time.Time
	InstanceID string // "" if unassigned
}

// PlacementFailure records that a task failed to place in the scheduler's
// most recent placement attempt.
type PlacementFailure struct {
	TaskID      string
	Tier        Tier
	FailureKind FailureKind
}

// TierConfig is the operator-configured policy for one tier.
type TierConfig struct {
	PrimaryInstanceType     string
	MinIdle                 int
	MaxIdle                 int
	ScaleUpCooldown         time.Duration
	ScaleDownCooldown       time.Duration
	IdleInstanceGracePeriod time.Duration
	TaskSLO                 time.Duration
}

// GlobalConfig is the cluster-wide policy shared by every tier.
type GlobalConfig struct {
	Enabled                       bool
	IterationInterval             time.Duration
	ActivationDelay               time.Duration
	EvaluationTimeout             time.Duration
	AgentInstanceRemovableTimeout time.Duration
	IgnoredHardConstraints        []string
}

// TierGauges is the set of per-tier metrics pushed after every evaluation.
type TierGauges struct {
	IdleInstances         int
	FailedTasks           int
	TasksPastSLO          int
	TasksForScaleUp       int
	AgentsToScaleUp       int
	AgentsBeingScaledUp   int
	AgentsToScaleDown     int
	AgentsBeingScaledDown int
}

// TierExecutionState is the per-tier state that must survive across
// iterations: cooldown timestamps, token buckets, and the last pushed
// gauge snapshot.
type TierExecutionState struct {
	Tier            Tier
	LastScaleUpAt   time.Time
	LastScaleDownAt time.Time
	ScaleUpBucket   TokenBucket
	ScaleDownBucket TokenBucket
	Gauges          TierGauges
}

// ScaleAction is a single decided-and-issued action, kept for the history
// API and for audit.
type ScaleAction struct {
	ID              string
	Tier            Tier
	Kind            string // "scale_up", "scale_down", "reaper_reset", "blocked"
	InstanceGroupID string
	InstanceID      string
	Delta           int
	Reason          string
	Timestamp       time.Time
}
