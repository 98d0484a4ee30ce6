package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"

	"OpenSwarm-Core/internal/observability/metrics"
	"OpenSwarm-Core/pkg/logger"
)

const (
	defaultHistoryCapacity  = 256
	defaultSubscriberBuffer = 64
	defaultRelayBuffer      = 256
)

// Bus 是进程内的协调事件总线：发布事件、按类型过滤订阅、保留有界历史。
// 扇出依赖 event.Feed，保证同一发布者的事件不被乱序。
type Bus struct {
	feed event.Feed

	historyMu sync.RWMutex
	history   []Event
	head      int
	size      int
	capacity  int

	subsMu sync.Mutex
	subs   map[string]*Subscription
	buffer int

	relay     Relay
	relayCh   chan Event
	relayWG   sync.WaitGroup
	relayStop context.CancelFunc

	closed atomic.Bool
	log    *slog.Logger
}

// Option 定义总线的可选配置。
type Option func(*Bus)

// WithHistoryCapacity 设置历史缓冲的事件容量。
func WithHistoryCapacity(capacity int) Option {
	return func(b *Bus) {
		if capacity > 0 {
			b.capacity = capacity
		}
	}
}

// WithSubscriberBuffer 设置每个订阅的接收缓冲大小。
func WithSubscriberBuffer(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.buffer = size
		}
	}
}

// WithRelay 配置对外转发器，发布的事件会异步复制一份给它。
func WithRelay(relay Relay) Option {
	return func(b *Bus) {
		b.relay = relay
	}
}

// New 创建事件总线。
func New(opts ...Option) *Bus {
	b := &Bus{
		capacity: defaultHistoryCapacity,
		buffer:   defaultSubscriberBuffer,
		subs:     make(map[string]*Subscription),
		log:      logger.Named("bus"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.history = make([]Event, b.capacity)
	if b.relay != nil {
		b.startRelay()
	}
	return b
}

// Publish 将事件追加到历史缓冲并投递给所有匹配的订阅。
// 投递对跟得上的订阅者是至少一次；缓冲打满的订阅者会丢弃并计数。
func (b *Bus) Publish(ev Event) (Event, error) {
	normalized, err := normalize(ev)
	if err != nil {
		return Event{}, err
	}
	stored := normalized.Clone()

	b.historyMu.Lock()
	b.history[(b.head+b.size)%b.capacity] = stored
	if b.size < b.capacity {
		b.size++
	} else {
		b.head = (b.head + 1) % b.capacity
	}
	b.historyMu.Unlock()

	b.feed.Send(normalized)
	metrics.RecordEvent(string(stored.Type))

	if b.relayCh != nil {
		select {
		case b.relayCh <- stored:
		default:
			b.log.Warn("转发缓冲已满，事件被丢弃",
				slog.String("event_id", stored.ID),
				slog.String("type", string(stored.Type)),
			)
		}
	}
	return normalized, nil
}

// Subscribe 创建一个只接收指定类型事件的订阅；types 为空表示接收全部类型。
// 历史事件不会回放。
func (b *Bus) Subscribe(subscriberID string, types ...Type) *Subscription {
	sub := &Subscription{
		ID:         uuid.NewString(),
		Subscriber: subscriberID,
		types:      make(map[Type]struct{}, len(types)),
		inbox:      make(chan Event, b.buffer),
		out:        make(chan Event, b.buffer),
		quit:       make(chan struct{}),
		log:        b.log,
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	sub.feedSub = b.feed.Subscribe(sub.inbox)
	go sub.forward()

	b.subsMu.Lock()
	b.subs[sub.ID] = sub
	b.subsMu.Unlock()
	return sub
}

// Unsubscribe 取消订阅，可重复调用。
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.subsMu.Lock()
	sub, ok := b.subs[subscriptionID]
	if ok {
		delete(b.subs, subscriptionID)
	}
	b.subsMu.Unlock()
	if ok {
		sub.stop()
	}
}

// History 返回最近 limit 条事件，按发布先后排列，不区分类型。
func (b *Bus) History(limit int) []Event {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	if limit <= 0 || limit > b.size {
		limit = b.size
	}
	results := make([]Event, 0, limit)
	start := b.size - limit
	for i := start; i < b.size; i++ {
		results = append(results, b.history[(b.head+i)%b.capacity].Clone())
	}
	return results
}

// Close 停止所有订阅与转发器。
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.subsMu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.subsMu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}

	if b.relayStop != nil {
		b.relayStop()
		b.relayWG.Wait()
	}
	if b.relay != nil {
		return b.relay.Close()
	}
	return nil
}

func (b *Bus) startRelay() {
	ctx, cancel := context.WithCancel(context.Background())
	b.relayStop = cancel
	b.relayCh = make(chan Event, defaultRelayBuffer)
	b.relayWG.Add(1)
	go func() {
		defer b.relayWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-b.relayCh:
				if err := b.relay.Forward(ctx, ev); err != nil {
					b.log.Warn("事件转发失败",
						slog.Any("error", err),
						slog.String("event_id", ev.ID),
					)
				}
			}
		}
	}()
}

// Subscription 是一次订阅的句柄，事件通过 C() 返回的通道送达。
type Subscription struct {
	ID         string
	Subscriber string

	types   map[Type]struct{}
	inbox   chan Event
	out     chan Event
	feedSub event.Subscription
	quit    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	log     *slog.Logger
}

// C 返回事件接收通道，订阅取消后通道会被关闭。
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Dropped 返回因缓冲打满而被丢弃的事件数。
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// forward 从 Feed 的收件通道取事件，过滤类型后投递给订阅者。
// 订阅者缓冲打满时丢弃事件而不是阻塞发布方。
func (s *Subscription) forward() {
	defer close(s.out)
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.inbox:
			if !s.matches(ev.Type) {
				continue
			}
			select {
			case s.out <- ev.Clone():
			default:
				s.dropped.Add(1)
				metrics.RecordEventDropped(s.Subscriber)
				if s.log != nil {
					s.log.Warn("订阅缓冲已满，事件被丢弃",
						slog.String("subscription_id", s.ID),
						slog.String("subscriber", s.Subscriber),
						slog.String("type", string(ev.Type)),
					)
				}
			}
		}
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		s.feedSub.Unsubscribe()
		close(s.quit)
	})
}
