package autoscaler

import (
	"fmt"
	"time"

	"fleetautoscaler/pkg/config"
)

// Config is the full runtime policy the Manager holds: the cluster-wide
// GlobalConfig plus every tier's TierConfig, keyed by tier name. It is the
// shape exchanged with the status/control API (GetGlobalConfig,
// UpdateGlobalConfig).
type Config struct {
	GlobalConfig
	Tiers map[Tier]TierConfig
}

// AdaptConfig translates the YAML-sourced config.AutoScalerConfig into the
// package's own GlobalConfig/TierConfig, converting every *Seconds field
// into a time.Duration once at the boundary so the rest of the package
// never deals in raw seconds.
func AdaptConfig(cfg config.AutoScalerConfig) (*Config, error) {
	if len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("autoscaler config: no tiers configured")
	}

	ignoredHC := cfg.IgnoredHardConstraints
	if len(ignoredHC) == 0 {
		ignoredHC = []string{"machineid", "machinetype"}
	}

	out := &Config{
		GlobalConfig: GlobalConfig{
			Enabled:                       cfg.Enabled,
			IterationInterval:             time.Duration(cfg.IterationIntervalSeconds) * time.Second,
			ActivationDelay:               time.Duration(cfg.ActivationDelaySeconds) * time.Second,
			EvaluationTimeout:             time.Duration(cfg.EvaluationTimeoutSeconds) * time.Second,
			AgentInstanceRemovableTimeout: time.Duration(cfg.AgentInstanceRemovableTimeoutSec) * time.Second,
			IgnoredHardConstraints:        ignoredHC,
		},
		Tiers: make(map[Tier]TierConfig, len(cfg.Tiers)),
	}

	for name, tc := range cfg.Tiers {
		if tc.PrimaryInstanceType == "" {
			return nil, fmt.Errorf("autoscaler config: tier %q has no primary_instance_type", name)
		}
		out.Tiers[Tier(name)] = TierConfig{
			PrimaryInstanceType:     tc.PrimaryInstanceType,
			MinIdle:                 tc.MinIdle,
			MaxIdle:                 tc.MaxIdle,
			ScaleUpCooldown:         time.Duration(tc.ScaleUpCooldownSeconds) * time.Second,
			ScaleDownCooldown:       time.Duration(tc.ScaleDownCooldownSeconds) * time.Second,
			IdleInstanceGracePeriod: time.Duration(tc.IdleInstanceGracePeriodSec) * time.Second,
			TaskSLO:                 time.Duration(tc.TaskSLOSeconds) * time.Second,
		}
	}

	return out, nil
}
