package autoscaler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
)

func TestInProcessRecentlyScaledFor_FirstInsertReturnsTrue(t *testing.T) {
	s := newInProcessRecentlyScaledFor()
	ctx := context.Background()

	assert.True(t, s.MarkIfAbsent(ctx, "task-1", time.Minute))
	assert.False(t, s.MarkIfAbsent(ctx, "task-1", time.Minute))
}

func TestInProcessRecentlyScaledFor_ExpiresAfterTTL(t *testing.T) {
	s := newInProcessRecentlyScaledFor()
	ctx := context.Background()

	s.entries["task-1"] = time.Now().Add(-time.Second)
	assert.True(t, s.MarkIfAbsent(ctx, "task-1", time.Minute))
}

func TestRedisRecentlyScaledFor_FirstInsertReturnsTrue(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisRecentlyScaledFor(client, "test:")
	ctx := context.Background()

	assert.True(t, s.MarkIfAbsent(ctx, "task-1", time.Minute))
	assert.False(t, s.MarkIfAbsent(ctx, "task-1", time.Minute))
}

func TestRedisRecentlyScaledFor_SharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedisRecentlyScaledFor(client, "shared:")
	b := NewRedisRecentlyScaledFor(client, "shared:")
	ctx := context.Background()

	assert.True(t, a.MarkIfAbsent(ctx, "task-1", time.Minute))
	assert.False(t, b.MarkIfAbsent(ctx, "task-1", time.Minute))
}

func TestNewRedisRecentlyScaledFor_NilClientFallsBackToInProcess(t *testing.T) {
	s := NewRedisRecentlyScaledFor(nil, "")
	_, ok := s.(*inProcessRecentlyScaledFor)
	assert.True(t, ok)
}
