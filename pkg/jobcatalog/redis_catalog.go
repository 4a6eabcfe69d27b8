// Package jobcatalog ships the reference JobOperations implementation the
// autoscaler reads the current job/task catalog from. As with the
// scheduler's placement failures, ownership of jobs and tasks lives in
// another service; this implementation reads the catalog that service
// last published, mirroring the same fixed-key JSON exchange the
// autoscaler manager uses for its own Config.
package jobcatalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"fleetautoscaler/pkg/interfaces"
)

const (
	jobsKey  = "jobcatalog:jobs"
	tasksKey = "jobcatalog:tasks"
)

// RedisCatalog satisfies interfaces.JobOperations by reading the job/task
// catalog out of Redis.
type RedisCatalog struct {
	client *redis.Client
}

// NewRedisCatalog builds a RedisCatalog. A nil client always reports an
// empty catalog, for test/dev deployments with no upstream catalog writer.
func NewRedisCatalog(client *redis.Client) *RedisCatalog {
	return &RedisCatalog{client: client}
}

var _ interfaces.JobOperations = (*RedisCatalog)(nil)

func (c *RedisCatalog) ListJobs(ctx context.Context) ([]interfaces.JobView, error) {
	if c.client == nil {
		return nil, nil
	}

	data, err := c.client.Get(ctx, jobsKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs from redis: %w", err)
	}

	var jobs []interfaces.JobView
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("unmarshal jobs: %w", err)
	}
	return jobs, nil
}

func (c *RedisCatalog) ListTasks(ctx context.Context) ([]interfaces.TaskView, error) {
	if c.client == nil {
		return nil, nil
	}

	data, err := c.client.Get(ctx, tasksKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks from redis: %w", err)
	}

	var tasks []interfaces.TaskView
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	return tasks, nil
}
