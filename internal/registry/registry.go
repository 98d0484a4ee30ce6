package registry

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"OpenSwarm-Core/internal/bus"
	xerrors "OpenSwarm-Core/internal/errors"
	"OpenSwarm-Core/pkg/logger"
)

const shardCount = 16

// EventSink 是注册表对事件总线的最小依赖。
type EventSink interface {
	Publish(ev bus.Event) (bus.Event, error)
}

type shard struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// Registry 是并发安全的智能体目录。
// 键空间按 FNV 哈希分片，不同智能体之间的读写互不阻塞。
type Registry struct {
	shards [shardCount]*shard
	events EventSink
	log    *slog.Logger
}

// Option 定义注册表的可选配置。
type Option func(*Registry)

// WithEventSink 配置生命周期事件的发布目标。
func WithEventSink(sink EventSink) Option {
	return func(r *Registry) {
		r.events = sink
	}
}

// New 创建注册表。
func New(opts ...Option) *Registry {
	r := &Registry{log: logger.Named("registry")}
	for i := range r.shards {
		r.shards[i] = &shard{agents: make(map[string]*Agent)}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Register 插入或整体替换一个智能体，并发布 AgentStarted/AgentUpdated 事件。
func (r *Registry) Register(agent Agent) error {
	if err := agent.validate(); err != nil {
		return err
	}
	if agent.LastSeen == 0 {
		agent.LastSeen = time.Now().Unix()
	}
	stored := agent.clone()

	s := r.shardFor(agent.ID)
	s.mu.Lock()
	_, replaced := s.agents[agent.ID]
	s.agents[agent.ID] = &stored
	s.mu.Unlock()

	eventType := bus.TypeAgentStarted
	if replaced {
		eventType = bus.TypeAgentUpdated
	}
	r.publish(eventType, agent.ID, map[string]any{
		"address":      agent.Address,
		"capabilities": append([]string(nil), agent.Capabilities...),
	})
	logger.Audit().Info("智能体注册",
		slog.String("agent_id", agent.ID),
		slog.Bool("replaced", replaced),
		slog.Int("max_concurrency", agent.MaxConcurrency),
	)
	return nil
}

// Deregister 移除智能体并发布 AgentRemoved 事件。
func (r *Registry) Deregister(id string) error {
	s := r.shardFor(id)
	s.mu.Lock()
	_, ok := s.agents[id]
	if ok {
		delete(s.agents, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrAgentNotFound
	}
	r.publish(bus.TypeAgentRemoved, id, nil)
	return nil
}

// UpdateMetrics 对指定智能体做部分指标更新并刷新 LastSeen。
func (r *Registry) UpdateMetrics(id string, update MetricsUpdate) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if update.Health != nil {
		if *update.Health < 0 || *update.Health > 1 {
			return xerrors.New(CodeAgentValidation, "健康度必须位于 [0,1] 区间")
		}
		agent.Health = *update.Health
	}
	if update.LatencyMS != nil {
		if *update.LatencyMS < 0 {
			return xerrors.New(CodeAgentValidation, "延迟不能为负")
		}
		agent.LatencyMS = *update.LatencyMS
	}
	if update.Reliability != nil {
		if *update.Reliability < 0 || *update.Reliability > 1 {
			return xerrors.New(CodeAgentValidation, "可靠性必须位于 [0,1] 区间")
		}
		agent.Reliability = *update.Reliability
	}
	if update.Load != nil {
		if *update.Load < 0 || *update.Load > agent.MaxConcurrency {
			return xerrors.New(CodeAgentValidation, "负载必须位于 [0,max_concurrency] 区间")
		}
		agent.CurrentLoad = *update.Load
	}
	agent.LastSeen = time.Now().Unix()
	return nil
}

// Get 返回智能体的一致快照。
func (r *Registry) Get(id string) (Agent, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	agent, ok := s.agents[id]
	if !ok {
		s.mu.RUnlock()
		return Agent{}, ErrAgentNotFound
	}
	snapshot := agent.clone()
	s.mu.RUnlock()

	if snapshot.CurrentLoad > snapshot.MaxConcurrency {
		return Agent{}, ErrLoadInvariant
	}
	return snapshot, nil
}

// FindByCapability 返回声明了指定能力的全部智能体快照，按 ID 升序。
func (r *Registry) FindByCapability(tag string) []Agent {
	results := make([]Agent, 0)
	for _, s := range r.shards {
		s.mu.RLock()
		for _, agent := range s.agents {
			if agent.HasCapability(tag) {
				results = append(results, agent.clone())
			}
		}
		s.mu.RUnlock()
	}
	sortAgents(results)
	return results
}

// fitness 的权重分配：健康度固定占 0.3，延迟与可靠性按调用方权重，
// 余下权重归于剩余容量。延迟因子 = 1/(1+latency_ms/100)。
const healthWeight = 0.3

// Fitness 计算智能体对某能力的确定性适配度，返回值位于 [0,1]。
// 相同输入永远得到相同分数；不持有该能力时分数为 0。
func (r *Registry) Fitness(id, capability string, latencyWeight, reliabilityWeight float64) (float64, error) {
	agent, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	if capability != "" && !agent.HasCapability(capability) {
		return 0, nil
	}
	return FitnessOf(agent, latencyWeight, reliabilityWeight), nil
}

// FitnessOf 是 Fitness 的纯函数形式，只依赖传入的快照。
func FitnessOf(agent Agent, latencyWeight, reliabilityWeight float64) float64 {
	latencyFactor := 1.0 / (1.0 + agent.LatencyMS/100.0)
	capacityFactor := 1.0 - float64(agent.CurrentLoad)/float64(agent.MaxConcurrency)
	capacityWeight := 1.0 - latencyWeight - reliabilityWeight

	score := agent.Health*healthWeight +
		latencyFactor*latencyWeight +
		agent.Reliability*reliabilityWeight +
		capacityFactor*capacityWeight
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Acquire 原子地为智能体增加一个并发槽位。
func (r *Registry) Acquire(id string) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.CurrentLoad > agent.MaxConcurrency {
		return ErrLoadInvariant
	}
	if agent.CurrentLoad == agent.MaxConcurrency {
		return ErrCapacityExceeded
	}
	agent.CurrentLoad++
	return nil
}

// Release 归还一个并发槽位，重复归还不会把负载降到 0 以下。
func (r *Registry) Release(id string) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if agent.CurrentLoad > 0 {
		agent.CurrentLoad--
	}
	return nil
}

// KnownIDs 返回当前全部智能体 ID 的有序快照，供共识引擎冻结投票人口。
func (r *Registry) KnownIDs() []string {
	ids := make([]string, 0)
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.agents {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

// Known 判断智能体是否存在。
func (r *Registry) Known(id string) bool {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[id]
	return ok
}

// Count 返回注册表内的智能体数量。
func (r *Registry) Count() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.agents)
		s.mu.RUnlock()
	}
	return total
}

// PruneStale 移除 LastSeen 早于 maxAge 的智能体，逐个发布 AgentFailed 事件。
// 返回被移除的 ID 列表。
func (r *Registry) PruneStale(maxAge time.Duration) []string {
	if maxAge <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-maxAge).Unix()
	removed := make([]string, 0)
	for _, s := range r.shards {
		s.mu.Lock()
		for id, agent := range s.agents {
			if agent.LastSeen < cutoff {
				delete(s.agents, id)
				removed = append(removed, id)
			}
		}
		s.mu.Unlock()
	}
	sort.Strings(removed)
	for _, id := range removed {
		r.publish(bus.TypeAgentFailed, id, map[string]any{"reason": "liveness timeout"})
		logger.Audit().Warn("智能体心跳超时被移除", slog.String("agent_id", id))
	}
	return removed
}

func (r *Registry) publish(eventType bus.Type, agentID string, payload map[string]any) {
	if r.events == nil {
		return
	}
	if _, err := r.events.Publish(bus.Event{
		Type:    eventType,
		Source:  agentID,
		Payload: payload,
	}); err != nil {
		r.log.Warn("发布生命周期事件失败",
			slog.Any("error", err),
			slog.String("agent_id", agentID),
			slog.String("type", string(eventType)),
		)
	}
}
