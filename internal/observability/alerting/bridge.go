package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"OpenSwarm-Core/internal/bus"
	xerrors "OpenSwarm-Core/internal/errors"
	"OpenSwarm-Core/pkg/logger"
)

// Bridge 订阅事件总线上的异常事件并转为告警。
// 只有资源耗尽与智能体失联这类需要人工关注的事件会被转发。
type Bridge struct {
	dispatcher Dispatcher
	sub        *bus.Subscription
	log        *slog.Logger
}

// NewBridge 在总线上订阅异常事件并启动转发循环，随 ctx 取消退出。
func NewBridge(ctx context.Context, eventBus *bus.Bus, dispatcher Dispatcher) *Bridge {
	b := &Bridge{
		dispatcher: dispatcher,
		sub:        eventBus.Subscribe("alerting", bus.TypeResourceExhausted, bus.TypeAgentFailed),
		log:        logger.Named("alerting"),
	}
	go b.run(ctx)
	return b
}

func (b *Bridge) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.sub.C():
			if !ok {
				return
			}
			b.forward(ctx, ev)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, ev bus.Event) {
	if b.dispatcher == nil {
		return
	}
	code := codeFor(ev.Type)
	alert := Event{
		Code:       code,
		Message:    fmt.Sprintf("事件 %s 来自 %s", ev.Type, ev.Source),
		Severity:   xerrors.AttributesOf(code).Severity,
		AgentID:    ev.Source,
		Metadata:   flatten(ev.Payload),
		OccurredAt: time.Unix(0, ev.Timestamp),
	}
	notifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.dispatcher.Notify(notifyCtx, alert); err != nil {
		b.log.Warn("告警投递失败",
			slog.Any("error", err),
			slog.String("event_type", string(ev.Type)),
		)
	}
}

func codeFor(eventType bus.Type) xerrors.Code {
	switch eventType {
	case bus.TypeResourceExhausted:
		return xerrors.CodeCapacityExceeded
	case bus.TypeAgentFailed:
		return xerrors.CodeTimeout
	default:
		return xerrors.CodeUnknown
	}
}

func flatten(payload map[string]any) map[string]string {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		out[k] = fmt.Sprint(v)
	}
	return out
}
