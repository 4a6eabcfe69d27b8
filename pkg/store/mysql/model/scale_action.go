package model

import "time"

// ScaleAction is the MySQL model for the scale_actions table: one row per
// issued scale-up, scale-down, reaper reset, or blocked decision, kept for
// the status/history API and for operators auditing the rolling window.
type ScaleAction struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ActionID        string    `gorm:"column:action_id;type:varchar(64);not null;uniqueIndex:idx_action_id_unique" json:"action_id"`
	Tier            string    `gorm:"column:tier;type:varchar(64);not null;index:idx_tier_timestamp,priority:1" json:"tier"`
	Timestamp       time.Time `gorm:"column:timestamp;type:datetime(3);not null;default:CURRENT_TIMESTAMP(3);index:idx_timestamp;index:idx_tier_timestamp,priority:2" json:"timestamp"`
	Kind            string    `gorm:"column:kind;type:varchar(32);not null;index:idx_kind" json:"kind"`
	InstanceGroupID string    `gorm:"column:instance_group_id;type:varchar(128)" json:"instance_group_id"`
	InstanceID      string    `gorm:"column:instance_id;type:varchar(128)" json:"instance_id"`
	Delta           int       `gorm:"column:delta;type:int;not null;default:0" json:"delta"`
	Reason          string    `gorm:"column:reason;type:text" json:"reason"`
}

// TableName specifies the table name for ScaleAction.
func (ScaleAction) TableName() string {
	return "scale_actions"
}

// TierState is the MySQL model for the tier_states table: the persisted
// mirror of a tier's cooldown timestamps and last-pushed gauges, so a newly
// elected leader does not restart every cooldown at zero.
type TierState struct {
	Tier            string    `gorm:"column:tier;type:varchar(64);primaryKey" json:"tier"`
	LastScaleUpAt   time.Time `gorm:"column:last_scale_up_at" json:"last_scale_up_at"`
	LastScaleDownAt time.Time `gorm:"column:last_scale_down_at" json:"last_scale_down_at"`
	GaugesJSON      JSONMap   `gorm:"column:gauges;type:json" json:"gauges"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for TierState.
func (TierState) TableName() string {
	return "tier_states"
}
