package autoscaler

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"fleetautoscaler/pkg/logger"
)

// RecentlyScaledFor is the process-wide scratch set that keeps a task ID
// from being counted toward scale-up demand twice inside the dedup window.
// Exact expiration is not required by the invariant it supports (§9 of
// the design notes call this "approximate"): a key that survives a few
// seconds past its nominal TTL, or is evicted a little early, costs at most
// one extra or one missed agent, never a correctness violation.
type RecentlyScaledFor interface {
	// MarkIfAbsent records taskID if it is not already present and returns
	// true if it was newly inserted (i.e., the task had not been counted
	// toward a scale-up within the TTL window).
	MarkIfAbsent(ctx context.Context, taskID string, ttl time.Duration) (inserted bool)
}

// redisRecentlyScaledFor backs the set with one Redis key per task ID under
// a shared prefix, using SET NX PX so insertion and expiration are a single
// atomic round trip and the window is shared across every replica racing
// for leadership, not just the one currently holding the lock.
type redisRecentlyScaledFor struct {
	client *redis.Client
	prefix string
}

// NewRedisRecentlyScaledFor backs the dedup set with Redis. A nil client
// degrades to an in-process map, matching the distributed lock's
// single-instance fallback.
func NewRedisRecentlyScaledFor(client *redis.Client, prefix string) RecentlyScaledFor {
	if client == nil {
		return newInProcessRecentlyScaledFor()
	}
	if prefix == "" {
		prefix = "autoscaler:recently-scaled-for:"
	}
	return &redisRecentlyScaledFor{client: client, prefix: prefix}
}

func (s *redisRecentlyScaledFor) MarkIfAbsent(ctx context.Context, taskID string, ttl time.Duration) bool {
	ok, err := s.client.SetNX(ctx, s.prefix+taskID, "1", ttl).Result()
	if err != nil {
		logger.WarnCtx(ctx, "recentlyScaledFor: redis error, treating %s as unseen: %v", taskID, err)
		return true
	}
	return ok
}

// inProcessRecentlyScaledFor is the nil-Redis fallback: a map guarded by a
// mutex, swept lazily on access rather than by a background goroutine,
// matching the "approximate" contract above.
type inProcessRecentlyScaledFor struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newInProcessRecentlyScaledFor() *inProcessRecentlyScaledFor {
	return &inProcessRecentlyScaledFor{entries: make(map[string]time.Time)}
}

func (s *inProcessRecentlyScaledFor) MarkIfAbsent(ctx context.Context, taskID string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiresAt, ok := s.entries[taskID]; ok {
		if now.Before(expiresAt) {
			return false
		}
	}
	s.entries[taskID] = now.Add(ttl)

	if len(s.entries)%256 == 0 {
		for id, expiresAt := range s.entries {
			if now.After(expiresAt) {
				delete(s.entries, id)
			}
		}
	}
	return true
}
