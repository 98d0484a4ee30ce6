package trust

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"OpenSwarm-Core/internal/bus"
	xerrors "OpenSwarm-Core/internal/errors"
	"OpenSwarm-Core/internal/observability/metrics"
	"OpenSwarm-Core/pkg/logger"
)

const (
	// learningRate 是贝叶斯更新的学习率 α。
	learningRate = 0.15
	// confidencePrior 控制置信度随样本数增长的速度：n/(n+prior)。
	confidencePrior = 10.0
	// zScore 是保守下界使用的 95% 置信系数。
	zScore = 1.96
	// pruneThreshold 是传递信任遍历中放弃一条路径的乘积下限。
	pruneThreshold = 0.1
	// decayBlend 是每个衰减周期向中性值回归的比例。
	decayBlend = 0.99
	// decayConfidence 是每个衰减周期置信度的缩减系数。
	decayConfidence = 0.95

	scoreShards = 16
)

// Directory 是信任网络对注册表的最小依赖，用于校验身份有效性。
type Directory interface {
	Known(id string) bool
}

// Archive 将观察流水归档到外部存储，失败不阻断在线路径。
type Archive interface {
	SaveObservation(ctx context.Context, record Observation) error
}

// Observation 是一次落档的观察记录。
type Observation struct {
	Observer  string
	Subject   string
	Kind      OutcomeKind
	Delta     float64
	Score     float64
	Samples   int
	CreatedAt int64
}

// EventSink 是信任网络对事件总线的最小依赖。
type EventSink interface {
	Publish(ev bus.Event) (bus.Event, error)
}

type scoreState struct {
	score        float64
	confidence   float64
	samples      int
	updatedAt    int64
	decayedUnits int64
}

type scoreShard struct {
	mu     sync.Mutex
	scores map[string]*scoreState
}

// Network 维护去中心化的声誉图：按智能体分片的贝叶斯信任分，
// 以及只追加的有向信任边。
type Network struct {
	shards [scoreShards]*scoreShard

	edgesMu sync.RWMutex
	edges   map[string]map[string][]Edge

	directory Directory
	archive   Archive
	events    EventSink

	decayMaxAge time.Duration
	decayUnit   time.Duration

	log *slog.Logger
}

// Option 定义信任网络的可选配置。
type Option func(*Network)

// WithDirectory 配置身份校验使用的注册表。
func WithDirectory(directory Directory) Option {
	return func(n *Network) {
		n.directory = directory
	}
}

// WithArchive 配置观察流水的归档存储。
func WithArchive(archive Archive) Option {
	return func(n *Network) {
		n.archive = archive
	}
}

// WithEventSink 配置信任更新事件的发布目标。
func WithEventSink(sink EventSink) Option {
	return func(n *Network) {
		n.events = sink
	}
}

// WithDecay 配置读取路径上自动应用的衰减阈值与衰减周期。
// maxAge 为 0 时读取路径不自动衰减，调用方仍可显式调用 Decay。
func WithDecay(maxAge, unit time.Duration) Option {
	return func(n *Network) {
		n.decayMaxAge = maxAge
		if unit > 0 {
			n.decayUnit = unit
		}
	}
}

// NewNetwork 创建信任网络。
func NewNetwork(opts ...Option) *Network {
	n := &Network{
		edges:     make(map[string]map[string][]Edge),
		decayUnit: time.Minute,
		log:       logger.Named("trust"),
	}
	for i := range n.shards {
		n.shards[i] = &scoreShard{scores: make(map[string]*scoreState)}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

func (n *Network) shardFor(subject string) *scoreShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return n.shards[h.Sum32()%scoreShards]
}

// Observe 根据一次执行结果更新 subject 的信任分。
// observer 非空时必须是已登记的智能体，并会记录一条 observer→subject 的信任边；
// observer 为空表示系统侧观察，只更新分数。
func (n *Network) Observe(observer, subject string, outcome Outcome) (Score, error) {
	if subject == "" {
		return Score{}, xerrors.New(CodeTrustValidation, "观察对象不能为空")
	}
	if !outcome.valid() {
		return Score{}, xerrors.New(CodeTrustValidation, "不支持的观察结果类别")
	}
	if n.directory != nil {
		if !n.directory.Known(subject) {
			return Score{}, ErrSubjectUnknown
		}
		if observer != "" && !n.directory.Known(observer) {
			return Score{}, ErrObserverUnknown
		}
	}

	delta := outcome.delta()
	now := time.Now().Unix()

	s := n.shardFor(subject)
	s.mu.Lock()
	state, ok := s.scores[subject]
	if !ok {
		state = &scoreState{score: 0.5}
		s.scores[subject] = state
	}
	state.score = clamp01(state.score*(1-learningRate) + (0.5+delta/2)*learningRate)
	state.samples++
	state.confidence = math.Min(float64(state.samples)/(float64(state.samples)+confidencePrior), 1.0)
	state.updatedAt = now
	state.decayedUnits = 0
	snapshot := snapshotOf(subject, state)
	s.mu.Unlock()

	if observer != "" {
		n.appendEdge(Edge{
			From:      observer,
			To:        subject,
			Level:     clamp01(0.5 + delta/2),
			CreatedAt: now,
		})
	}

	metrics.RecordTrustObservation(string(outcome.Kind))
	n.archiveObservation(observer, subject, outcome.Kind, delta, snapshot)
	n.publishUpdate(snapshot)
	return snapshot, nil
}

// Score 返回 subject 的信任快照；从未被观察过的对象得到中性先验。
// 读取前按配置自动应用惰性衰减。
func (n *Network) Score(subject string) Score {
	s := n.shardFor(subject)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.scores[subject]
	if !ok {
		return Score{Subject: subject, Score: 0.5}
	}
	n.decayLocked(state, n.decayMaxAge, time.Now())
	return snapshotOf(subject, state)
}

// ConservativeScore 返回可用于门禁决策的保守下界估计：
// score − z·sqrt(score·(1−score)/n)，样本数为 0 时返回中性先验 0.5。
func (n *Network) ConservativeScore(subject string) float64 {
	snapshot := n.Score(subject)
	if snapshot.Samples == 0 {
		return 0.5
	}
	margin := zScore * math.Sqrt(snapshot.Score*(1-snapshot.Score)/float64(snapshot.Samples))
	return clamp01(snapshot.Score - margin)
}

// Decay 显式对 subject 应用基于 maxAge 的惰性衰减并返回衰减后的快照。
func (n *Network) Decay(subject string, maxAge time.Duration) Score {
	s := n.shardFor(subject)
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.scores[subject]
	if !ok {
		return Score{Subject: subject, Score: 0.5}
	}
	n.decayLocked(state, maxAge, time.Now())
	return snapshotOf(subject, state)
}

// decayLocked 将超过 maxAge 的分数按超龄周期数向中性值回归。
// 已应用过的周期数记录在 state 上，重复读取不会叠加衰减。
func (n *Network) decayLocked(state *scoreState, maxAge time.Duration, now time.Time) {
	if maxAge <= 0 || state.samples == 0 {
		return
	}
	age := now.Unix() - state.updatedAt
	excess := age - int64(maxAge.Seconds())
	if excess <= 0 {
		return
	}
	unitSeconds := int64(n.decayUnit.Seconds())
	if unitSeconds <= 0 {
		unitSeconds = 60
	}
	totalUnits := excess / unitSeconds
	pending := totalUnits - state.decayedUnits
	if pending <= 0 {
		return
	}
	factor := math.Pow(decayBlend, float64(pending))
	state.score = 0.5 + (state.score-0.5)*factor
	state.confidence *= math.Pow(decayConfidence, float64(pending))
	state.decayedUnits = totalUnits
}

// AddDelegation 记录一条显式的能力委托信任边。
func (n *Network) AddDelegation(from, to string, level float64) error {
	if from == "" || to == "" {
		return xerrors.New(CodeTrustValidation, "委托双方均不能为空")
	}
	if level < 0 || level > 1 {
		return xerrors.New(CodeTrustValidation, "信任级别必须位于 [0,1] 区间")
	}
	if n.directory != nil {
		if !n.directory.Known(from) {
			return ErrObserverUnknown
		}
		if !n.directory.Known(to) {
			return ErrSubjectUnknown
		}
	}
	n.appendEdge(Edge{From: from, To: to, Level: level, CreatedAt: time.Now().Unix()})
	return nil
}

// TransitiveTrust 在信任边上做限深广度优先遍历，沿路径将信任级别相乘，
// 乘积跌破 0.1 的半途路径被剪枝；抵达目标的一跳不剪枝，因此
// 任意低于阈值的直达边仍按原值返回。
// 第二个返回值为 false 表示 maxDepth 之内不存在可达路径。
func (n *Network) TransitiveTrust(from, to string, maxDepth int) (float64, bool) {
	if from == to {
		return 1.0, true
	}
	if maxDepth <= 0 {
		return 0, false
	}

	latest := n.latestEdges()

	best := map[string]float64{from: 1.0}
	frontier := map[string]float64{from: 1.0}
	bestToTarget := 0.0
	found := false

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		next := make(map[string]float64)
		for node, product := range frontier {
			for neighbor, level := range latest[node] {
				candidate := product * level
				if neighbor == to {
					found = true
					if candidate > bestToTarget {
						bestToTarget = candidate
					}
					continue
				}
				if candidate < pruneThreshold {
					continue
				}
				if candidate <= best[neighbor] {
					continue
				}
				best[neighbor] = candidate
				next[neighbor] = candidate
			}
		}
		frontier = next
	}
	if !found {
		return 0, false
	}
	return bestToTarget, true
}

// Edges 返回以 from 为起点的全部信任边快照（含历史版本）。
func (n *Network) Edges(from string) []Edge {
	n.edgesMu.RLock()
	defer n.edgesMu.RUnlock()

	var results []Edge
	for _, versions := range n.edges[from] {
		results = append(results, versions...)
	}
	return results
}

func (n *Network) appendEdge(edge Edge) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	byTarget, ok := n.edges[edge.From]
	if !ok {
		byTarget = make(map[string][]Edge)
		n.edges[edge.From] = byTarget
	}
	byTarget[edge.To] = append(byTarget[edge.To], edge)
}

// latestEdges 构建 from→to→最新信任级别 的邻接视图。
func (n *Network) latestEdges() map[string]map[string]float64 {
	n.edgesMu.RLock()
	defer n.edgesMu.RUnlock()

	view := make(map[string]map[string]float64, len(n.edges))
	for from, byTarget := range n.edges {
		neighbors := make(map[string]float64, len(byTarget))
		for to, versions := range byTarget {
			if len(versions) == 0 {
				continue
			}
			neighbors[to] = versions[len(versions)-1].Level
		}
		view[from] = neighbors
	}
	return view
}

func snapshotOf(subject string, state *scoreState) Score {
	return Score{
		Subject:    subject,
		Score:      state.score,
		Confidence: state.confidence,
		Samples:    state.samples,
		UpdatedAt:  state.updatedAt,
	}
}

// archiveObservation 异步落档，观察路径本身不做任何阻塞 I/O。
func (n *Network) archiveObservation(observer, subject string, kind OutcomeKind, delta float64, snapshot Score) {
	if n.archive == nil {
		return
	}
	go n.saveObservation(observer, subject, kind, delta, snapshot)
}

func (n *Network) saveObservation(observer, subject string, kind OutcomeKind, delta float64, snapshot Score) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := n.archive.SaveObservation(ctx, Observation{
		Observer:  observer,
		Subject:   subject,
		Kind:      kind,
		Delta:     delta,
		Score:     snapshot.Score,
		Samples:   snapshot.Samples,
		CreatedAt: snapshot.UpdatedAt,
	})
	if err != nil {
		n.log.Warn("观察流水归档失败",
			slog.Any("error", err),
			slog.String("subject", subject),
		)
	}
}

func (n *Network) publishUpdate(snapshot Score) {
	if n.events == nil {
		return
	}
	if _, err := n.events.Publish(bus.Event{
		Type:   bus.TypeTrustUpdated,
		Source: snapshot.Subject,
		Payload: map[string]any{
			"score":      snapshot.Score,
			"confidence": snapshot.Confidence,
			"samples":    snapshot.Samples,
		},
	}); err != nil {
		n.log.Warn("发布信任更新事件失败",
			slog.Any("error", err),
			slog.String("subject", snapshot.Subject),
		)
	}
}
