package consensus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenSwarm-Core/internal/bus"
	xerrors "OpenSwarm-Core/internal/errors"
	"OpenSwarm-Core/internal/observability/metrics"
	"OpenSwarm-Core/pkg/logger"
)

// Rule 枚举法定人数规则。
type Rule string

const (
	RuleSimpleMajority Rule = "simple_majority"
	RuleSuperMajority  Rule = "super_majority"
	RuleUnanimous      Rule = "unanimous"
	RuleByzantine      Rule = "byzantine"
)

// Status 枚举提案的生命周期状态。终态一旦达成便不再改变。
type Status string

const (
	StatusOpen     Status = "open"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timed_out"
)

// Proposal 是一次共识提案的快照。
// Population 在创建时刻从注册表冻结，后续注册的智能体无法影响法定人数。
type Proposal struct {
	ID         string          `json:"id"`
	Operation  string          `json:"operation"`
	Proposer   string          `json:"proposer"`
	Rule       Rule            `json:"rule"`
	CreatedAt  int64           `json:"created_at"`
	Deadline   int64           `json:"deadline"`
	Population []string        `json:"population"`
	Votes      map[string]bool `json:"votes"`
	Status     Status          `json:"status"`
}

var (
	// ErrUnknownProposal 表示指定的提案不存在。
	ErrUnknownProposal = xerrors.New(xerrors.CodeNotFound, "proposal not found")
	// ErrVoterNotEligible 表示投票者不在提案冻结的人口快照内。
	ErrVoterNotEligible = xerrors.New(xerrors.CodeVoterNotEligible, "")
	// ErrInvalidQuorumRule 表示人口规模无法满足指定的法定人数规则。
	ErrInvalidQuorumRule = xerrors.New(xerrors.CodeInvalidQuorumRule, "")
)

// Population 是共识引擎对注册表的最小依赖。
type Population interface {
	KnownIDs() []string
}

// EventSink 是共识引擎对事件总线的最小依赖。
type EventSink interface {
	Publish(ev bus.Event) (bus.Event, error)
}

type proposalState struct {
	mu sync.Mutex

	id         string
	operation  string
	proposer   string
	rule       Rule
	createdAt  int64
	deadline   int64
	population []string
	popSet     map[string]struct{}
	votes      map[string]bool
	status     Status
}

// Engine 管理提案与投票，按当前票数与规则在每次查询时重算法定人数。
type Engine struct {
	mu        sync.RWMutex
	proposals map[string]*proposalState

	population Population
	events     EventSink
	log        *slog.Logger
}

// Option 定义共识引擎的可选配置。
type Option func(*Engine)

// WithEventSink 配置共识事件的发布目标。
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) {
		e.events = sink
	}
}

// NewEngine 创建共识引擎。population 提供提案创建时刻的投票人口。
func NewEngine(population Population, opts ...Option) *Engine {
	e := &Engine{
		proposals:  make(map[string]*proposalState),
		population: population,
		log:        logger.Named("consensus"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Propose 创建一个 Open 状态的提案并发布 ConsensusRequired 事件。
// 投票人口在此刻从注册表快照，防止通过事后注册操纵法定人数。
func (e *Engine) Propose(operation, proposer string, rule Rule, deadline time.Time) (Proposal, error) {
	if operation == "" {
		return Proposal{}, xerrors.New(xerrors.CodeInvalidArgument, "提案操作描述不能为空")
	}
	if e.population == nil {
		return Proposal{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置投票人口来源")
	}

	population := e.population.KnownIDs()
	if err := validateRule(rule, len(population)); err != nil {
		return Proposal{}, err
	}

	state := &proposalState{
		id:         uuid.NewString(),
		operation:  operation,
		proposer:   proposer,
		rule:       rule,
		createdAt:  time.Now().Unix(),
		deadline:   deadline.Unix(),
		population: population,
		popSet:     make(map[string]struct{}, len(population)),
		votes:      make(map[string]bool),
		status:     StatusOpen,
	}
	for _, id := range population {
		state.popSet[id] = struct{}{}
	}

	e.mu.Lock()
	e.proposals[state.id] = state
	e.mu.Unlock()

	e.publish(bus.TypeConsensusRequired, proposer, map[string]any{
		"proposal_id": state.id,
		"operation":   operation,
		"rule":        string(rule),
		"population":  len(population),
		"deadline":    state.deadline,
	})
	logger.Audit().Info("创建共识提案",
		slog.String("proposal_id", state.id),
		slog.String("proposer", proposer),
		slog.String("rule", string(rule)),
		slog.Int("population", len(population)),
	)
	return state.snapshot(), nil
}

// Vote 记录一票。同一投票者重复投票会覆盖此前的选择而不是追加。
// 提案进入终态后投票仍被记录，但不再改变状态。
func (e *Engine) Vote(proposalID, voterID string, accept bool) error {
	state, err := e.lookup(proposalID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if _, eligible := state.popSet[voterID]; !eligible {
		return ErrVoterNotEligible
	}
	state.votes[voterID] = accept
	return nil
}

// Status 重算法定人数并返回提案快照。
// 规则无法再被满足时提前判定 Rejected；截止时间之后仍未达成法定人数则
// 转入 TimedOut。终态具有粘性，后续查询直接返回。
func (e *Engine) Status(proposalID string) (Proposal, error) {
	state, err := e.lookup(proposalID)
	if err != nil {
		return Proposal{}, err
	}

	state.mu.Lock()
	if state.status == StatusOpen {
		decided := e.evaluateLocked(state, time.Now())
		if decided {
			e.announceLocked(state)
		}
	}
	snapshot := state.snapshot()
	state.mu.Unlock()
	return snapshot, nil
}

// List 返回全部提案快照。
func (e *Engine) List() []Proposal {
	e.mu.RLock()
	states := make([]*proposalState, 0, len(e.proposals))
	for _, state := range e.proposals {
		states = append(states, state)
	}
	e.mu.RUnlock()

	results := make([]Proposal, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		results = append(results, state.snapshot())
		state.mu.Unlock()
	}
	return results
}

func (e *Engine) lookup(proposalID string) (*proposalState, error) {
	e.mu.RLock()
	state, ok := e.proposals[proposalID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownProposal
	}
	return state, nil
}

// evaluateLocked 根据当前票数推进状态机，返回是否进入终态。
func (e *Engine) evaluateLocked(state *proposalState, now time.Time) bool {
	votesFor, votesAgainst := 0, 0
	for _, accept := range state.votes {
		if accept {
			votesFor++
		} else {
			votesAgainst++
		}
	}
	n := len(state.population)
	threshold := acceptThreshold(state.rule, n)

	if votesFor >= threshold {
		state.status = StatusAccepted
		return true
	}
	// 剩余选票已无法凑够接受阈值时提前判否。
	if n-votesAgainst < threshold {
		state.status = StatusRejected
		return true
	}
	if now.Unix() >= state.deadline {
		state.status = StatusTimedOut
		return true
	}
	return false
}

func (e *Engine) announceLocked(state *proposalState) {
	e.publish(bus.TypeVotingCompleted, state.proposer, map[string]any{
		"proposal_id": state.id,
		"operation":   state.operation,
		"status":      string(state.status),
		"votes":       len(state.votes),
	})
	metrics.RecordProposal(string(state.rule), string(state.status))
	logger.Audit().Info("共识提案已定案",
		slog.String("proposal_id", state.id),
		slog.String("status", string(state.status)),
		slog.Int("votes", len(state.votes)),
	)
}

func (e *Engine) publish(eventType bus.Type, source string, payload map[string]any) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Publish(bus.Event{
		Type:    eventType,
		Source:  source,
		Payload: payload,
	}); err != nil {
		e.log.Warn("发布共识事件失败",
			slog.Any("error", err),
			slog.String("type", string(eventType)),
		)
	}
}

// acceptThreshold 返回规则在人口 n 下所需的最小赞成票数。
func acceptThreshold(rule Rule, n int) int {
	switch rule {
	case RuleSimpleMajority:
		return n/2 + 1
	case RuleSuperMajority:
		// ≥ 2/3 · n，向上取整。
		return (2*n + 2) / 3
	case RuleUnanimous:
		return n
	case RuleByzantine:
		f := (n - 1) / 3
		return 2*f + 1
	default:
		return n + 1
	}
}

// validateRule 校验规则在给定人口规模下是否可满足。
func validateRule(rule Rule, n int) error {
	switch rule {
	case RuleSimpleMajority, RuleSuperMajority, RuleUnanimous:
		if n == 0 {
			return xerrors.New(xerrors.CodeInvalidQuorumRule, "投票人口为空")
		}
		return nil
	case RuleByzantine:
		// 3f+1 至少需要 4 个投票者才能容忍 f=1 个拜占庭节点。
		if n < 4 {
			return xerrors.New(xerrors.CodeInvalidQuorumRule, "拜占庭规则要求人口规模不小于 4")
		}
		return nil
	default:
		return xerrors.New(xerrors.CodeInvalidQuorumRule, "未知的法定人数规则")
	}
}

// TolerableFaults 返回拜占庭规则在人口 n 下可容忍的故障节点数。
func TolerableFaults(n int) int {
	if n <= 0 {
		return 0
	}
	return (n - 1) / 3
}

func (p *proposalState) snapshot() Proposal {
	votes := make(map[string]bool, len(p.votes))
	for voter, accept := range p.votes {
		votes[voter] = accept
	}
	return Proposal{
		ID:         p.id,
		Operation:  p.operation,
		Proposer:   p.proposer,
		Rule:       p.rule,
		CreatedAt:  p.createdAt,
		Deadline:   p.deadline,
		Population: append([]string(nil), p.population...),
		Votes:      votes,
		Status:     p.status,
	}
}
