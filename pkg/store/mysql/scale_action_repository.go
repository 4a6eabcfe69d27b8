package mysql

import (
	"context"
	"fmt"
	"time"
)

// ScaleActionRepository persists the scale-action history used by the
// status/history API and by operators auditing the rolling window.
type ScaleActionRepository struct {
	ds *Datastore
}

// NewScaleActionRepository creates a new scale action repository.
func NewScaleActionRepository(ds *Datastore) *ScaleActionRepository {
	return &ScaleActionRepository{ds: ds}
}

// Create persists a single scale action.
func (r *ScaleActionRepository) Create(ctx context.Context, action *ScaleAction) error {
	return r.ds.DB(ctx).Create(action).Error
}

// ListByTier retrieves scale actions for a specific tier, most recent first.
func (r *ScaleActionRepository) ListByTier(ctx context.Context, tier string, limit int) ([]*ScaleAction, error) {
	if limit <= 0 {
		limit = 100
	}

	query := r.ds.DB(ctx).Model(&ScaleAction{}).Order("timestamp DESC").Limit(limit)
	if tier != "" {
		query = query.Where("tier = ?", tier)
	}

	var actions []*ScaleAction
	if err := query.Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("failed to list scale actions by tier: %w", err)
	}
	return actions, nil
}

// ListRecent retrieves the most recent scale actions across all tiers.
func (r *ScaleActionRepository) ListRecent(ctx context.Context, limit int) ([]*ScaleAction, error) {
	if limit <= 0 {
		limit = 100
	}

	var actions []*ScaleAction
	err := r.ds.DB(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recent scale actions: %w", err)
	}
	return actions, nil
}

// ListByTimeRange retrieves scale actions within a time range.
func (r *ScaleActionRepository) ListByTimeRange(ctx context.Context, startTime, endTime time.Time, limit int) ([]*ScaleAction, error) {
	if limit <= 0 {
		limit = 1000
	}

	var actions []*ScaleAction
	err := r.ds.DB(ctx).
		Where("timestamp >= ? AND timestamp <= ?", startTime, endTime).
		Order("timestamp DESC").
		Limit(limit).
		Find(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list scale actions by time range: %w", err)
	}
	return actions, nil
}

// DeleteOlderThan deletes scale actions older than the given time, for
// pruning the history. The autoscaler Manager does not call it, so rows are
// kept until something else prunes them.
func (r *ScaleActionRepository) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.ds.DB(ctx).Where("timestamp < ?", olderThan).Delete(&ScaleAction{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old scale actions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Count counts scale actions with optional equality filters.
func (r *ScaleActionRepository) Count(ctx context.Context, filters map[string]interface{}) (int64, error) {
	query := r.ds.DB(ctx).Model(&ScaleAction{})
	for key, value := range filters {
		query = query.Where(key+" = ?", value)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count scale actions: %w", err)
	}
	return count, nil
}

// TierStateRepository persists each tier's cooldown timestamps and last
// gauge snapshot so a newly elected leader does not restart every cooldown
// at zero.
type TierStateRepository struct {
	ds *Datastore
}

// NewTierStateRepository creates a new tier state repository.
func NewTierStateRepository(ds *Datastore) *TierStateRepository {
	return &TierStateRepository{ds: ds}
}

// Upsert writes the current state for a tier, replacing any prior row.
func (r *TierStateRepository) Upsert(ctx context.Context, state *TierState) error {
	state.UpdatedAt = time.Now()
	return r.ds.DB(ctx).Save(state).Error
}

// Get retrieves the persisted state for a tier, if any.
func (r *TierStateRepository) Get(ctx context.Context, tier string) (*TierState, error) {
	var state TierState
	err := r.ds.DB(ctx).Where("tier = ?", tier).First(&state).Error
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// ListAll retrieves the persisted state for every tier.
func (r *TierStateRepository) ListAll(ctx context.Context) ([]*TierState, error) {
	var states []*TierState
	if err := r.ds.DB(ctx).Find(&states).Error; err != nil {
		return nil, fmt.Errorf("failed to list tier states: %w", err)
	}
	return states, nil
}
