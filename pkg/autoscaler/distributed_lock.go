package autoscaler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"fleetautoscaler/pkg/logger"
)

const (
	autoscalerLockKey   = "autoscaler:global-lock"
	lockTTL             = 30 * time.Second // lock TTL, guards against a dead holder
	lockAcquireTimeout  = 5 * time.Second
	lockExtendInterval  = 10 * time.Second
	maxLockHoldDuration = 2 * time.Minute
)

// DistributedLock is the leader-election primitive the loop driver wraps
// around each iteration so only one replica evaluates at a time.
type DistributedLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
	IsHeld() bool
}

// RedisDistributedLock implements DistributedLock with a Redis SETNX/TTL
// key, a Lua-guarded unlock so a replica can never release a lock it does
// not hold, and a background renewal goroutine covering iterations that run
// long relative to the TTL.
type RedisDistributedLock struct {
	client       *redis.Client
	lockKey      string
	lockValue    string // unique per instance, so unlock never touches another holder's lock
	ttl          time.Duration
	isHeld       bool
	acquiredAt   time.Time
	stopRenew    chan struct{}
	renewStopped bool // guards against double-closing stopRenew across TryLock/Unlock cycles
	mu           sync.Mutex
}

// NewRedisDistributedLock creates a lock over the given key, e.g.
// "autoscaler:global-lock" or a per-worker key for an unrelated cleanup job.
func NewRedisDistributedLock(client *redis.Client, lockKey string) *RedisDistributedLock {
	if lockKey == "" {
		lockKey = autoscalerLockKey
	}
	return &RedisDistributedLock{
		client:    client,
		lockKey:   lockKey,
		lockValue: fmt.Sprintf("%s-%d-%d", lockKey, time.Now().UnixNano(), randomInt()),
		ttl:       lockTTL,
		isHeld:    false,
		stopRenew: make(chan struct{}),
	}
}

// TryLock attempts to acquire the lock within lockAcquireTimeout. A nil
// client degrades to always-acquired, for single-instance deployments with
// no Redis.
func (l *RedisDistributedLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		logger.Warn("redis client is nil, skipping distributed lock (running in single-instance mode)")
		l.isHeld = true
		return true, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	acquired, err := l.client.SetNX(acquireCtx, l.lockKey, l.lockValue, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if acquired {
		l.mu.Lock()
		l.isHeld = true
		l.acquiredAt = time.Now()

		// A fresh channel every acquisition supports repeated TryLock/Unlock
		// cycles from the same lock value without reusing a closed channel.
		l.stopRenew = make(chan struct{})
		l.renewStopped = false
		l.mu.Unlock()

		go l.renewLock(ctx)

		logger.DebugCtx(ctx, "autoscaler lock acquired successfully")
		return true, nil
	}

	logger.DebugCtx(ctx, "autoscaler lock already held by another instance")
	return false, nil
}

// Unlock releases the lock if held, via a Lua script that checks the stored
// value before deleting so a renewed-away or expired lock is never stolen
// back from whoever holds it now.
func (l *RedisDistributedLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.isHeld {
		l.mu.Unlock()
		return nil
	}

	if l.client == nil {
		l.isHeld = false
		l.mu.Unlock()
		return nil
	}

	if !l.renewStopped {
		l.renewStopped = true
		close(l.stopRenew)
	}
	l.mu.Unlock()

	luaScript := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`

	result, err := l.client.Eval(ctx, luaScript, []string{l.lockKey}, l.lockValue).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	l.mu.Lock()
	l.isHeld = false
	l.mu.Unlock()

	if result.(int64) == 1 {
		logger.DebugCtx(ctx, "autoscaler lock released successfully")
	} else {
		logger.WarnCtx(ctx, "lock was already released or held by another instance")
	}

	return nil
}

func (l *RedisDistributedLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isHeld
}

// renewLock extends the TTL every lockExtendInterval for as long as this
// instance still holds the lock, and gives up past maxLockHoldDuration so a
// stuck iteration cannot monopolize the lock forever.
func (l *RedisDistributedLock) renewLock(ctx context.Context) {
	ticker := time.NewTicker(lockExtendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopRenew:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			holdDuration := time.Since(l.acquiredAt)
			l.mu.Unlock()

			if holdDuration > maxLockHoldDuration {
				logger.WarnCtx(ctx, "lock held for too long (%.0f seconds), will be released by main goroutine",
					holdDuration.Seconds())
				// Mark unheld only; let the caller's deferred Unlock do the
				// actual release so stopRenew is never closed twice.
				l.mu.Lock()
				l.isHeld = false
				l.mu.Unlock()
				return
			}

			luaScript := `
				if redis.call("get", KEYS[1]) == ARGV[1] then
					return redis.call("expire", KEYS[1], ARGV[2])
				else
					return 0
				end
			`

			result, err := l.client.Eval(ctx, luaScript,
				[]string{l.lockKey},
				l.lockValue,
				int(l.ttl.Seconds())).Result()

			if err != nil {
				logger.WarnCtx(ctx, "failed to renew lock: %v", err)
				l.mu.Lock()
				l.isHeld = false
				l.mu.Unlock()
				return
			}

			if result.(int64) == 0 {
				logger.WarnCtx(ctx, "lock renewal failed, lock lost")
				l.mu.Lock()
				l.isHeld = false
				l.mu.Unlock()
				return
			}

			logger.DebugCtx(ctx, "autoscaler lock renewed")
		}
	}
}

// randomInt gives the lock value enough entropy to stay unique across
// instances that happen to construct it in the same nanosecond.
func randomInt() int64 {
	return rand.Int63n(1000000)
}
