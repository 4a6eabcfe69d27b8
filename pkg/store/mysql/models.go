package mysql

import "fleetautoscaler/pkg/store/mysql/model"

// Re-export types from the model package so callers can write mysql.ScaleAction
// instead of reaching into the model subpackage directly.

type (
	ScaleAction = model.ScaleAction
	TierState   = model.TierState

	JSONMap         = model.JSONMap
	JSONStringArray = model.JSONStringArray
)

var (
	StringMapToJSONMap = model.StringMapToJSONMap
	JSONMapToStringMap = model.JSONMapToStringMap
)
