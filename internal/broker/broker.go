package broker

import (
	stdErrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"OpenSwarm-Core/internal/bus"
	xerrors "OpenSwarm-Core/internal/errors"
	"OpenSwarm-Core/internal/observability/metrics"
	"OpenSwarm-Core/internal/registry"
	"OpenSwarm-Core/internal/trust"
	"OpenSwarm-Core/pkg/logger"
)

var (
	// ErrNoCapableAgent 表示没有智能体声明了请求的能力。
	ErrNoCapableAgent = xerrors.New(xerrors.CodeNoCapableAgent, "")
	// ErrAllAtCapacity 表示所有候选智能体都已满载。
	ErrAllAtCapacity = xerrors.New(xerrors.CodeCapacityExceeded, "all capable agents at max concurrency")
	// ErrSessionCompleted 表示会话已经上报过结果。
	ErrSessionCompleted = xerrors.New(CodeSessionCompleted, "session already completed")
)

const (
	CodeSessionCompleted xerrors.Code = "SESSION_ALREADY_COMPLETED"
)

func init() {
	xerrors.Register(CodeSessionCompleted, xerrors.Attributes{
		Message:   "session already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// EventSink 是路由器对事件总线的最小依赖。
type EventSink interface {
	Publish(ev bus.Event) (bus.Event, error)
}

// TrustFeed 是路由器对信任网络的最小依赖：回填执行观察并提供保守分。
type TrustFeed interface {
	Observe(observer, subject string, outcome trust.Outcome) (trust.Score, error)
	ConservativeScore(subject string) float64
}

// Session 是一次成功路由的句柄，调用方执行完毕后必须通过
// Broker.Complete 上报结果以归还并发槽位。
type Session struct {
	ID         string
	AgentID    string
	Capability string
	Origin     string
	StartedAt  time.Time

	completed atomic.Bool
}

// Broker 将命令路由到最合适的智能体。
type Broker struct {
	registry *registry.Registry
	trust    TrustFeed
	events   EventSink

	cursorMu sync.Mutex
	cursors  map[string]int

	latencyWeight     float64
	reliabilityWeight float64
	trustWeight       float64
	trustGate         float64
	rejectAtCapacity  bool

	log *slog.Logger
}

// Option 定义路由器的可选配置。
type Option func(*Broker)

// WithTrustFeed 挂接信任网络，完成上报会转化为执行观察。
func WithTrustFeed(feed TrustFeed) Option {
	return func(b *Broker) {
		b.trust = feed
	}
}

// WithEventSink 配置路由事件的发布目标。
func WithEventSink(sink EventSink) Option {
	return func(b *Broker) {
		b.events = sink
	}
}

// WithFitnessWeights 设置 BestFit 策略的延迟与可靠性权重。
func WithFitnessWeights(latency, reliability float64) Option {
	return func(b *Broker) {
		if latency >= 0 && reliability >= 0 && latency+reliability <= 1 {
			b.latencyWeight = latency
			b.reliabilityWeight = reliability
		}
	}
}

// WithTrustWeight 让 BestFit 按给定比例混入保守信任分。
func WithTrustWeight(weight float64) Option {
	return func(b *Broker) {
		if weight >= 0 && weight <= 1 {
			b.trustWeight = weight
		}
	}
}

// WithTrustGate 过滤保守信任分低于阈值的候选。
func WithTrustGate(minScore float64) Option {
	return func(b *Broker) {
		b.trustGate = minScore
	}
}

// WithRejectAtCapacity 设置满载时直接拒绝而不是顺延下一个候选。
func WithRejectAtCapacity(reject bool) Option {
	return func(b *Broker) {
		b.rejectAtCapacity = reject
	}
}

// New 创建路由器。
func New(reg *registry.Registry, opts ...Option) *Broker {
	b := &Broker{
		registry:          reg,
		cursors:           make(map[string]int),
		latencyWeight:     0.25,
		reliabilityWeight: 0.25,
		log:               logger.Named("broker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Route 按策略为 capability 选择一个智能体，原子占用其并发槽位，
// 发布 CommandRouted 事件并返回会话句柄。origin 是发起方智能体 ID，
// 允许为空（系统侧调用）。
func (b *Broker) Route(origin, capability string, strategy Strategy) (*Session, error) {
	if b.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "路由器未配置注册表")
	}
	candidates := b.registry.FindByCapability(capability)
	if len(candidates) == 0 {
		metrics.RecordRoute(capability, string(strategy), "no_capable_agent")
		return nil, ErrNoCapableAgent
	}
	candidates = b.applyTrustGate(candidates)
	if len(candidates) == 0 {
		metrics.RecordRoute(capability, string(strategy), "trust_gated")
		return nil, xerrors.New(xerrors.CodeNoCapableAgent, "所有候选均低于信任门限")
	}

	orderCandidates(strategy, candidates, func(agent registry.Agent) float64 {
		return b.bestFitScore(agent)
	})

	chosen, err := b.acquire(capability, strategy, candidates)
	if err != nil {
		metrics.RecordRoute(capability, string(strategy), "rejected")
		return nil, err
	}

	session := &Session{
		ID:         uuid.NewString(),
		AgentID:    chosen,
		Capability: capability,
		Origin:     origin,
		StartedAt:  time.Now(),
	}
	b.publish(bus.TypeCommandRouted, chosen, map[string]any{
		"session_id": session.ID,
		"capability": capability,
		"strategy":   string(strategy),
		"origin":     origin,
	})
	metrics.RecordRoute(capability, string(strategy), "routed")
	logger.Audit().Info("命令已路由",
		slog.String("session_id", session.ID),
		slog.String("agent_id", chosen),
		slog.String("capability", capability),
		slog.String("strategy", string(strategy)),
	)
	return session, nil
}

// Complete 上报会话结果：归还并发槽位、发布 CommandCompleted 事件，
// 并在挂接了信任网络时回填一次执行观察。重复上报返回 ErrSessionCompleted。
func (b *Broker) Complete(session *Session, outcome trust.Outcome) error {
	if session == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话不能为空")
	}
	if !session.completed.CompareAndSwap(false, true) {
		return ErrSessionCompleted
	}

	if err := b.registry.Release(session.AgentID); err != nil && !stdErrors.Is(err, registry.ErrAgentNotFound) {
		return err
	}

	duration := time.Since(session.StartedAt)
	b.publish(bus.TypeCommandCompleted, session.AgentID, map[string]any{
		"session_id":  session.ID,
		"capability":  session.Capability,
		"outcome":     string(outcome.Kind),
		"duration_ms": duration.Milliseconds(),
	})
	metrics.ObserveCommand(session.Capability, string(outcome.Kind), duration)

	if b.trust != nil {
		if _, err := b.trust.Observe(session.Origin, session.AgentID, outcome); err != nil {
			b.log.Warn("回填信任观察失败",
				slog.Any("error", err),
				slog.String("session_id", session.ID),
				slog.String("agent_id", session.AgentID),
			)
		}
	}
	return nil
}

// applyTrustGate 过滤保守信任分低于门限的候选。
func (b *Broker) applyTrustGate(candidates []registry.Agent) []registry.Agent {
	if b.trust == nil || b.trustGate <= 0 {
		return candidates
	}
	filtered := candidates[:0]
	for _, agent := range candidates {
		if b.trust.ConservativeScore(agent.ID) >= b.trustGate {
			filtered = append(filtered, agent)
		}
	}
	return filtered
}

// bestFitScore 计算 BestFit 排序分，可选地混入保守信任分。
func (b *Broker) bestFitScore(agent registry.Agent) float64 {
	fitness := registry.FitnessOf(agent, b.latencyWeight, b.reliabilityWeight)
	if b.trust == nil || b.trustWeight <= 0 {
		return fitness
	}
	return fitness*(1-b.trustWeight) + b.trust.ConservativeScore(agent.ID)*b.trustWeight
}

// acquire 依次尝试候选，占用第一个仍有余量的智能体。
// 满载候选在默认模式下顺延，在拒绝模式下立即返回 CapacityExceeded。
func (b *Broker) acquire(capability string, strategy Strategy, candidates []registry.Agent) (string, error) {
	start := 0
	if strategy == StrategyRoundRobin {
		start = b.cursorFor(capability, len(candidates))
	}

	exhausted := 0
	for offset := 0; offset < len(candidates); offset++ {
		candidate := candidates[(start+offset)%len(candidates)]
		err := b.registry.Acquire(candidate.ID)
		if err == nil {
			if strategy == StrategyRoundRobin {
				b.advanceCursor(capability)
			}
			return candidate.ID, nil
		}
		switch xerrors.CodeOf(err) {
		case xerrors.CodeCapacityExceeded:
			if b.rejectAtCapacity {
				return "", ErrAllAtCapacity
			}
			exhausted++
		case xerrors.CodeNotFound:
			// 候选在快照之后被注销，顺延下一个。
		default:
			return "", err
		}
	}

	if exhausted > 0 {
		b.publish(bus.TypeResourceExhausted, "", map[string]any{
			"capability": capability,
			"candidates": len(candidates),
		})
	}
	return "", ErrAllAtCapacity
}

func (b *Broker) cursorFor(capability string, size int) int {
	b.cursorMu.Lock()
	defer b.cursorMu.Unlock()
	if size <= 0 {
		return 0
	}
	return b.cursors[capability] % size
}

// advanceCursor 在一次成功路由后恰好前进一位。
func (b *Broker) advanceCursor(capability string) {
	b.cursorMu.Lock()
	b.cursors[capability]++
	b.cursorMu.Unlock()
}

func (b *Broker) publish(eventType bus.Type, source string, payload map[string]any) {
	if b.events == nil {
		return
	}
	if _, err := b.events.Publish(bus.Event{
		Type:    eventType,
		Source:  source,
		Payload: payload,
	}); err != nil {
		b.log.Warn("发布路由事件失败",
			slog.Any("error", err),
			slog.String("type", string(eventType)),
		)
	}
}
