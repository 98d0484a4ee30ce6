package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 OpenSwarm 在启动阶段需要加载的核心配置。
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Bus      BusConfig      `yaml:"bus"`
	Relay    RelayConfig    `yaml:"relay"`
	Trust    TrustConfig    `yaml:"trust"`
	Broker   BrokerConfig   `yaml:"broker"`
	Registry RegistryConfig `yaml:"registry"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Alerting AlertingConfig `yaml:"alerting"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

// LoggingConfig 控制结构化日志与审计日志的输出方式。
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
	Audit       struct {
		Enabled    bool   `yaml:"enabled"`
		Path       string `yaml:"path"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"audit"`
}

// BusConfig 控制事件总线的历史容量与订阅缓冲。
type BusConfig struct {
	HistoryCapacity  int `yaml:"history_capacity"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// RelayConfig 选择事件外发通道，默认不外发。
type RelayConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 事件外发所需的连接信息。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	List     string `yaml:"list"`
	MaxLen   int64  `yaml:"max_len"`
}

// RabbitMQConfig 描述 RabbitMQ 事件外发所需的连接信息。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// TrustConfig 控制信任网络的衰减节奏与观察归档后端。
type TrustConfig struct {
	DecayMaxAgeSeconds int           `yaml:"decay_max_age_seconds"`
	DecayUnitSeconds   int           `yaml:"decay_unit_seconds"`
	Archive            ArchiveConfig `yaml:"archive"`
}

// DecayMaxAge 返回触发衰减的闲置时长。
func (c TrustConfig) DecayMaxAge() time.Duration {
	return time.Duration(c.DecayMaxAgeSeconds) * time.Second
}

// DecayUnit 返回衰减的计量单位。
func (c TrustConfig) DecayUnit() time.Duration {
	return time.Duration(c.DecayUnitSeconds) * time.Second
}

// ArchiveConfig 目前提供内存实现，后续可以切换到真正的 MySQL。
type ArchiveConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// BrokerConfig 控制路由策略的权重与信任门限。
type BrokerConfig struct {
	LatencyWeight     float64 `yaml:"latency_weight"`
	ReliabilityWeight float64 `yaml:"reliability_weight"`
	TrustWeight       float64 `yaml:"trust_weight"`
	TrustGate         float64 `yaml:"trust_gate"`
	RejectAtCapacity  bool    `yaml:"reject_at_capacity"`
}

// RegistryConfig 控制心跳超时清理的节奏。
type RegistryConfig struct {
	PruneIntervalSeconds int `yaml:"prune_interval_seconds"`
	PruneMaxAgeSeconds   int `yaml:"prune_max_age_seconds"`
}

// PruneInterval 返回清理循环的周期。
func (c RegistryConfig) PruneInterval() time.Duration {
	return time.Duration(c.PruneIntervalSeconds) * time.Second
}

// PruneMaxAge 返回判定心跳超时的阈值。
func (c RegistryConfig) PruneMaxAge() time.Duration {
	return time.Duration(c.PruneMaxAgeSeconds) * time.Second
}

// MetricsConfig 控制指标端点的监听地址，留空则不启动。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// AlertingConfig 按渠道启用告警通知，全部留空则告警只落日志。
type AlertingConfig struct {
	Email    EmailAlertConfig    `yaml:"email"`
	DingTalk DingTalkAlertConfig `yaml:"dingtalk"`
	Slack    SlackAlertConfig    `yaml:"slack"`
}

// EmailAlertConfig 描述邮件告警渠道。
type EmailAlertConfig struct {
	Enabled       bool     `yaml:"enabled"`
	SMTPAddress   string   `yaml:"smtp_address"`
	From          string   `yaml:"from"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	To            []string `yaml:"to"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

// DingTalkAlertConfig 描述钉钉机器人告警渠道，地址留空表示禁用。
type DingTalkAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// SlackAlertConfig 描述 Slack 告警渠道，地址留空表示禁用。
type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}

	if c.Bus.HistoryCapacity <= 0 {
		c.Bus.HistoryCapacity = 256
	}
	if c.Bus.SubscriberBuffer <= 0 {
		c.Bus.SubscriberBuffer = 64
	}

	if c.Relay.Driver == "" {
		c.Relay.Driver = "none"
	}

	if c.Trust.DecayMaxAgeSeconds <= 0 {
		c.Trust.DecayMaxAgeSeconds = 3600
	}
	if c.Trust.DecayUnitSeconds <= 0 {
		c.Trust.DecayUnitSeconds = 60
	}
	if c.Trust.Archive.Driver == "" {
		c.Trust.Archive.Driver = "none"
	}

	if c.Broker.LatencyWeight <= 0 {
		c.Broker.LatencyWeight = 0.25
	}
	if c.Broker.ReliabilityWeight <= 0 {
		c.Broker.ReliabilityWeight = 0.25
	}

	if c.Registry.PruneIntervalSeconds <= 0 {
		c.Registry.PruneIntervalSeconds = 30
	}
	if c.Registry.PruneMaxAgeSeconds <= 0 {
		c.Registry.PruneMaxAgeSeconds = 300
	}

	if c.Alerting.Email.Enabled && c.Alerting.Email.SubjectPrefix == "" {
		c.Alerting.Email.SubjectPrefix = "[OpenSwarm] "
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
