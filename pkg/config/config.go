package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Redis           RedisConfig           `yaml:"redis"`
	MySQL           MySQLConfig           `yaml:"mysql"`
	Queue           QueueConfig           `yaml:"queue"`
	Logger          LoggerConfig          `yaml:"logger"`
	K8s             K8sConfig             `yaml:"k8s"`
	AutoScaler      AutoScalerConfig      `yaml:"autoscaler"`
	AgentManagement AgentManagementConfig `yaml:"agentManagement"`
	Notification    NotificationConfig    `yaml:"notification"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // API key for the mutating control endpoints (optional, if empty, auth is disabled)
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MySQLConfig MySQL configuration
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// QueueConfig queue configuration
type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`  // queue processing concurrency
	MaxRetry    int `yaml:"max_retry"`    // maximum retry count (not read: enqueued actions use a fixed MaxRetry of 3)
	TaskTimeout int `yaml:"task_timeout"` // task timeout (seconds) (not read: no per-task timeout is set)
	// Note: no retention is set on enqueued actions, so completed tasks are
	// not kept in Redis.
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// K8sConfig K8s configuration. The Karpenter agent management backend does
// not read it; it uses AgentManagementConfig.Karpenter and the in-cluster
// Kubernetes config.
type K8sConfig struct {
	Enabled   bool   `yaml:"enabled"`    // whether to enable K8s features
	Namespace string `yaml:"namespace"`  // K8s namespace
	Platform  string `yaml:"platform"`   // Platform type: generic, aliyun-ack, aws-eks
	ConfigDir string `yaml:"config_dir"` // Configuration directory
}

// AutoScalerConfig is the cluster-wide and per-tier autoscaler policy.
type AutoScalerConfig struct {
	Enabled                          bool                  `yaml:"enabled"`
	IterationIntervalSeconds         int                   `yaml:"iteration_interval_seconds"`
	ActivationDelaySeconds           int                   `yaml:"activation_delay_seconds"`
	EvaluationTimeoutSeconds         int                   `yaml:"evaluation_timeout_seconds"`
	AgentInstanceRemovableTimeoutSec int                   `yaml:"agent_instance_removable_timeout_seconds"`
	IgnoredHardConstraints           []string              `yaml:"ignored_hard_constraints"`
	Tiers                            map[string]TierConfig `yaml:"tiers"`
}

// TierConfig is one tier's policy, keyed by tier name under AutoScalerConfig.Tiers.
type TierConfig struct {
	PrimaryInstanceType        string `yaml:"primary_instance_type"`
	MinIdle                    int    `yaml:"min_idle"`
	MaxIdle                    int    `yaml:"max_idle"`
	ScaleUpCooldownSeconds     int    `yaml:"scale_up_cooldown_seconds"`
	ScaleDownCooldownSeconds   int    `yaml:"scale_down_cooldown_seconds"`
	IdleInstanceGracePeriodSec int    `yaml:"idle_instance_grace_period_seconds"`
	TaskSLOSeconds             int    `yaml:"task_slo_seconds"`
}

// AgentManagementConfig selects and configures the backend that actually
// grows/shrinks instance groups.
type AgentManagementConfig struct {
	Backend   string          `yaml:"backend"` // "ec2" or "karpenter"
	EC2       EC2Config       `yaml:"ec2"`
	Karpenter KarpenterConfig `yaml:"karpenter"`
}

// EC2Config configures the EC2 backend, whose instance groups are sets of
// instances sharing an instance-group tag.
type EC2Config struct {
	Region          string            `yaml:"region"`
	GroupNameToTier map[string]string `yaml:"group_name_to_tier"` // group name -> tier (not read: the EC2 backend takes the tier from the instances' tier tag)
}

// KarpenterConfig configures the Kubernetes/Karpenter NodePool backed backend.
type KarpenterConfig struct {
	NodePoolLabelKey string `yaml:"nodepool_label_key"`
	TierLabelKey     string `yaml:"tier_label_key"`
}

// NotificationConfig configures outbound alerting on scale actions.
type NotificationConfig struct {
	FeishuWebhookURL string `yaml:"feishu_webhook_url"`
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	GlobalConfig = &cfg
	return nil
}
