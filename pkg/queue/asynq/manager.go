package asynq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"fleetautoscaler/pkg/config"
	"fleetautoscaler/pkg/interfaces"
	"fleetautoscaler/pkg/logger"
)

// Task types the autoscaler's action planner enqueues. Decoupling the
// decision loop from the AgentManagement call through asynq means a slow or
// temporarily unavailable collaborator (EC2, the Karpenter API server)
// never stalls the next iteration's evaluation; it only delays when the
// action actually lands.
const (
	TypeScaleUp       = "autoscaler:scale-up"
	TypeUpdateAttrs   = "autoscaler:update-attrs"
	TypeDeleteAttrs   = "autoscaler:delete-attrs"
	queueName         = "autoscaler"
)

type scaleUpPayload struct {
	GroupID string `json:"groupId"`
	Delta   int    `json:"delta"`
}

type updateAttrsPayload struct {
	InstanceID string            `json:"instanceId"`
	Attrs      map[string]string `json:"attrs"`
}

type deleteAttrsPayload struct {
	InstanceID string   `json:"instanceId"`
	Keys       []string `json:"keys"`
}

// Manager wraps an asynq client/server/mux pair, enqueuing the autoscaler's
// three AgentManagement side effects and, on the worker side, executing
// them against the real backend.
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewManager creates the queue manager from the Redis connection and queue
// settings in cfg.
func NewManager(cfg *config.Config) (*Manager, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Queue.Concurrency,
			Queues: map[string]int{
				queueName: 10,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n) * time.Second
			},
		},
	)

	return &Manager{
		client: client,
		server: server,
		mux:    asynq.NewServeMux(),
	}, nil
}

// Executor returns the autoscaler.ActionExecutor backed by this queue. The
// planner calls its methods to enqueue rather than to execute directly.
func (m *Manager) Executor() *Executor {
	return &Executor{client: m.client}
}

// RegisterHandlers wires the worker-side handlers that unmarshal a queued
// action and execute it against the real AgentManagement backend. Call
// this once per process that runs Start, typically the same process that
// runs the autoscaler's control loop.
func (m *Manager) RegisterHandlers(agentMgmt interfaces.AgentManagement) {
	m.mux.HandleFunc(TypeScaleUp, func(ctx context.Context, t *asynq.Task) error {
		var p scaleUpPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("unmarshal scale-up payload: %w", err)
		}
		return agentMgmt.ScaleUp(ctx, p.GroupID, p.Delta)
	})

	m.mux.HandleFunc(TypeUpdateAttrs, func(ctx context.Context, t *asynq.Task) error {
		var p updateAttrsPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("unmarshal update-attrs payload: %w", err)
		}
		return agentMgmt.UpdateAgentInstanceAttributes(ctx, p.InstanceID, p.Attrs)
	})

	m.mux.HandleFunc(TypeDeleteAttrs, func(ctx context.Context, t *asynq.Task) error {
		var p deleteAttrsPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("unmarshal delete-attrs payload: %w", err)
		}
		return agentMgmt.DeleteAgentInstanceAttributes(ctx, p.InstanceID, p.Keys)
	})
}

// Start runs the queue worker until Stop is called.
func (m *Manager) Start() error {
	logger.InfoCtx(context.Background(), "starting autoscaler action queue worker")
	return m.server.Start(m.mux)
}

// Stop gracefully shuts the worker down.
func (m *Manager) Stop() {
	logger.InfoCtx(context.Background(), "stopping autoscaler action queue worker")
	m.server.Stop()
	m.server.Shutdown()
}

// Close closes the enqueueing client.
func (m *Manager) Close() error {
	return m.client.Close()
}

// GetPendingTaskCount reports how many actions are queued but not yet
// executed, as a queue-depth health signal. The status API does not
// include it.
func (m *Manager) GetPendingTaskCount() (int, error) {
	inspector := asynq.NewInspector(asynq.RedisClientOpt{
		Addr:     config.GlobalConfig.Redis.Addr,
		Password: config.GlobalConfig.Redis.Password,
		DB:       config.GlobalConfig.Redis.DB,
	})
	defer inspector.Close()

	stats, err := inspector.GetQueueInfo(queueName)
	if err != nil {
		return 0, err
	}
	return stats.Pending, nil
}

// Executor implements autoscaler.ActionExecutor by enqueueing each action
// instead of executing it inline.
type Executor struct {
	client *asynq.Client
}

func (e *Executor) ScaleUp(ctx context.Context, groupID string, delta int) error {
	payload, err := json.Marshal(scaleUpPayload{GroupID: groupID, Delta: delta})
	if err != nil {
		return fmt.Errorf("marshal scale-up payload: %w", err)
	}
	_, err = e.client.EnqueueContext(ctx, asynq.NewTask(TypeScaleUp, payload), asynq.Queue(queueName), asynq.MaxRetry(3))
	if err != nil {
		return fmt.Errorf("enqueue scale-up: %w", err)
	}
	return nil
}

func (e *Executor) UpdateAgentInstanceAttributes(ctx context.Context, instanceID string, attrs map[string]string) error {
	payload, err := json.Marshal(updateAttrsPayload{InstanceID: instanceID, Attrs: attrs})
	if err != nil {
		return fmt.Errorf("marshal update-attrs payload: %w", err)
	}
	_, err = e.client.EnqueueContext(ctx, asynq.NewTask(TypeUpdateAttrs, payload), asynq.Queue(queueName), asynq.MaxRetry(3))
	if err != nil {
		return fmt.Errorf("enqueue update-attrs: %w", err)
	}
	return nil
}

func (e *Executor) DeleteAgentInstanceAttributes(ctx context.Context, instanceID string, keys []string) error {
	payload, err := json.Marshal(deleteAttrsPayload{InstanceID: instanceID, Keys: keys})
	if err != nil {
		return fmt.Errorf("marshal delete-attrs payload: %w", err)
	}
	_, err = e.client.EnqueueContext(ctx, asynq.NewTask(TypeDeleteAttrs, payload), asynq.Queue(queueName), asynq.MaxRetry(3))
	if err != nil {
		return fmt.Errorf("enqueue delete-attrs: %w", err)
	}
	return nil
}
