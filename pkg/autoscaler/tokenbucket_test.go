package autoscaler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket_StartsFull(t *testing.T) {
	now := time.Now()
	b := NewTokenBucket(50, 2, time.Second, now)
	assert.Equal(t, 50, b.Available(now))
}

func TestTokenBucket_TryTakeWithinCapacity(t *testing.T) {
	now := time.Now()
	b := NewTokenBucket(50, 2, time.Second, now)

	granted, next, ok := b.TryTake(now, 1, 10)
	assert.True(t, ok)
	assert.Equal(t, 10, granted)
	assert.Equal(t, 40, next.Available(now))
}

func TestTokenBucket_TryTakeCapsAtAvailable(t *testing.T) {
	now := time.Now()
	b := NewTokenBucket(50, 2, time.Second, now)

	granted, next, ok := b.TryTake(now, 1, 1000)
	assert.True(t, ok)
	assert.Equal(t, 50, granted)
	assert.Equal(t, 0, next.Available(now))
}

func TestTokenBucket_TryTakeFailsBelowMinimum(t *testing.T) {
	now := time.Now()
	b := NewTokenBucket(50, 2, time.Second, now)

	granted, next, ok := b.TryTake(now, 1, 10)
	assert.True(t, ok)
	assert.Equal(t, 10, granted)

	granted, _, ok = next.TryTake(now, 41, 41)
	assert.False(t, ok)
	assert.Equal(t, 0, granted)
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	now := time.Now()
	b := NewTokenBucket(50, 2, time.Second, now)

	_, b, ok := b.TryTake(now, 50, 50)
	assert.True(t, ok)
	assert.Equal(t, 0, b.Available(now))

	later := now.Add(5 * time.Second)
	assert.Equal(t, 10, b.Available(later))
}

func TestTokenBucket_RefillNeverExceedsCapacity(t *testing.T) {
	now := time.Now()
	b := NewTokenBucket(50, 2, time.Second, now)

	much := now.Add(time.Hour)
	assert.Equal(t, 50, b.Available(much))
}

func TestTokenBucket_ImmutableAcrossTakes(t *testing.T) {
	now := time.Now()
	original := NewTokenBucket(50, 2, time.Second, now)

	_, _, ok := original.TryTake(now, 10, 10)
	assert.True(t, ok)

	// original itself is untouched; only the returned value reflects the take.
	assert.Equal(t, 50, original.Available(now))
}
