// Package scheduler ships the reference Scheduler implementation the
// autoscaler reads last-iteration placement failures from. The real
// placement engine lives in another service; this implementation reads
// whatever that service last wrote, the same way the autoscaler manager
// exchanges its own Config across replicas: one JSON blob under a fixed
// Redis key.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"fleetautoscaler/pkg/interfaces"
)

// failuresKey is the key the placement service is expected to write its
// most recent failure batch to after every placement attempt.
const failuresKey = "scheduler:last_placement_failures"

// RedisScheduler satisfies interfaces.Scheduler by reading the placement
// service's last-reported failure batch out of Redis.
type RedisScheduler struct {
	client *redis.Client
}

// NewRedisScheduler builds a RedisScheduler. A nil client is accepted for
// test/dev deployments with no placement service wired up yet; it always
// reports zero failures.
func NewRedisScheduler(client *redis.Client) *RedisScheduler {
	return &RedisScheduler{client: client}
}

var _ interfaces.Scheduler = (*RedisScheduler)(nil)

func (s *RedisScheduler) LastTaskPlacementFailures(ctx context.Context) ([]interfaces.PlacementFailureView, error) {
	if s.client == nil {
		return nil, nil
	}

	data, err := s.client.Get(ctx, failuresKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read placement failures from redis: %w", err)
	}

	var failures []interfaces.PlacementFailureView
	if err := json.Unmarshal(data, &failures); err != nil {
		return nil, fmt.Errorf("unmarshal placement failures: %w", err)
	}
	return failures, nil
}
