package bus

import "context"

// Relay 将总线事件复制一份给进程外的消费者（Redis、RabbitMQ 等）。
// 转发是尽力而为的旁路，失败不影响进程内投递。
type Relay interface {
	Forward(ctx context.Context, ev Event) error
	Close() error
}
