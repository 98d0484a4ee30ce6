package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenSwarm-Core/internal/errors"
)

// RabbitMQRelayConfig 描述 RabbitMQ 转发器的连接参数。
type RabbitMQRelayConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQRelay 将事件发布到 RabbitMQ 队列，供外部协作方消费。
type RabbitMQRelay struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQRelay 创建 RabbitMQ 转发器实例。
func NewRabbitMQRelay(cfg RabbitMQRelayConfig) (*RabbitMQRelay, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "openswarm.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQRelay{conn: conn, ch: ch, queue: queue}, nil
}

// Forward 将事件发布到 RabbitMQ。
func (r *RabbitMQRelay) Forward(ctx context.Context, ev Event) error {
	if r == nil || r.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 转发器未初始化")
	}
	encoded, err := json.Marshal(ev)
	if err != nil {
		return xerrors.Wrap(CodeRelayFailure, err, "序列化事件失败")
	}
	return r.ch.PublishWithContext(ctx, "", r.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Priority:    uint8(ev.Priority),
		Body:        encoded,
	})
}

// Close 关闭 RabbitMQ 连接。
func (r *RabbitMQRelay) Close() error {
	if r == nil {
		return nil
	}
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

var _ Relay = (*RabbitMQRelay)(nil)
