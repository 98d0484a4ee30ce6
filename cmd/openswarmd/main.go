package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"OpenSwarm-Core/internal/broker"
	"OpenSwarm-Core/internal/bus"
	"OpenSwarm-Core/internal/config"
	"OpenSwarm-Core/internal/consensus"
	"OpenSwarm-Core/internal/coordinator"
	"OpenSwarm-Core/internal/observability/alerting"
	"OpenSwarm-Core/internal/observability/metrics"
	"OpenSwarm-Core/internal/registry"
	"OpenSwarm-Core/internal/storage/mysql"
	"OpenSwarm-Core/internal/trust"
	"OpenSwarm-Core/pkg/logger"
)

// main 是 OpenSwarm 协调守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("openswarmd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENSWARM_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "openswarm.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 事件外发通道，默认不外发。
	var relay bus.Relay
	switch cfg.Relay.Driver {
	case "", "none":
	case "redis":
		r, err := bus.NewRedisRelay(bus.RedisRelayConfig{
			Address:  cfg.Relay.Redis.Address,
			Password: cfg.Relay.Redis.Password,
			DB:       cfg.Relay.Redis.DB,
			List:     cfg.Relay.Redis.List,
			MaxLen:   cfg.Relay.Redis.MaxLen,
		})
		if err != nil {
			return err
		}
		relay = r
	case "rabbitmq":
		r, err := bus.NewRabbitMQRelay(bus.RabbitMQRelayConfig{
			URL:        cfg.Relay.RabbitMQ.URL,
			Queue:      cfg.Relay.RabbitMQ.Queue,
			Durable:    cfg.Relay.RabbitMQ.Durable,
			AutoDelete: cfg.Relay.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		relay = r
	default:
		return fmt.Errorf("未知的事件外发驱动: %s", cfg.Relay.Driver)
	}

	busOpts := []bus.Option{
		bus.WithHistoryCapacity(cfg.Bus.HistoryCapacity),
		bus.WithSubscriberBuffer(cfg.Bus.SubscriberBuffer),
	}
	if relay != nil {
		busOpts = append(busOpts, bus.WithRelay(relay))
	}
	eventBus := bus.New(busOpts...)
	defer eventBus.Close()

	reg := registry.New(registry.WithEventSink(eventBus))

	// 信任观察归档后端。
	var archive trust.Archive
	switch cfg.Trust.Archive.Driver {
	case "", "none":
	case "memory":
		repo, err := mysql.NewMemoryObservationRepository(dataDir)
		if err != nil {
			return err
		}
		archive = repo
	case "mysql":
		repo, err := mysql.NewSQLObservationRepository(cfg.Trust.Archive.DSN)
		if err != nil {
			return err
		}
		defer repo.Close()
		archive = repo
	default:
		return fmt.Errorf("未知的归档驱动: %s", cfg.Trust.Archive.Driver)
	}

	trustOpts := []trust.Option{
		trust.WithDirectory(reg),
		trust.WithEventSink(eventBus),
		trust.WithDecay(cfg.Trust.DecayMaxAge(), cfg.Trust.DecayUnit()),
	}
	if archive != nil {
		trustOpts = append(trustOpts, trust.WithArchive(archive))
	}
	network := trust.NewNetwork(trustOpts...)

	engine := consensus.NewEngine(reg, consensus.WithEventSink(eventBus))

	brk := broker.New(reg,
		broker.WithTrustFeed(network),
		broker.WithEventSink(eventBus),
		broker.WithFitnessWeights(cfg.Broker.LatencyWeight, cfg.Broker.ReliabilityWeight),
		broker.WithTrustWeight(cfg.Broker.TrustWeight),
		broker.WithTrustGate(cfg.Broker.TrustGate),
		broker.WithRejectAtCapacity(cfg.Broker.RejectAtCapacity),
	)

	// 按配置组装告警渠道，一个都没有时 Fanout 退化为空操作。
	var notifiers []alerting.Notifier
	if cfg.Alerting.Email.Enabled {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender: &alerting.SMTPSender{
				Addr:     cfg.Alerting.Email.SMTPAddress,
				From:     cfg.Alerting.Email.From,
				Username: cfg.Alerting.Email.Username,
				Password: cfg.Alerting.Email.Password,
			},
			To:            cfg.Alerting.Email.To,
			SubjectPrefix: cfg.Alerting.Email.SubjectPrefix,
		})
	}
	if cfg.Alerting.DingTalk.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: &alerting.DingTalkWebhook{URL: cfg.Alerting.DingTalk.WebhookURL},
		})
	}
	if cfg.Alerting.Slack.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhook{URL: cfg.Alerting.Slack.WebhookURL},
			ChannelID: cfg.Alerting.Slack.Channel,
		})
	}
	alerting.NewBridge(ctx, eventBus, alerting.NewFanout(notifiers...))

	coord := coordinator.New(eventBus, reg, network, engine, brk,
		coordinator.WithPrune(cfg.Registry.PruneInterval(), cfg.Registry.PruneMaxAge()),
	)

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
