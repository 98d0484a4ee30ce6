package registry

import (
	"sort"
	"strings"

	xerrors "OpenSwarm-Core/internal/errors"
)

// Agent 描述一个已注册的自治智能体及其实时指标。
// 不变量：0 ≤ CurrentLoad ≤ MaxConcurrency。
type Agent struct {
	ID             string   `json:"id"`
	Address        string   `json:"address"`
	Capabilities   []string `json:"capabilities"`
	Health         float64  `json:"health"`
	LatencyMS      float64  `json:"latency_ms"`
	Reliability    float64  `json:"reliability"`
	LastSeen       int64    `json:"last_seen"`
	MaxConcurrency int      `json:"max_concurrency"`
	CurrentLoad    int      `json:"current_load"`
}

// MetricsUpdate 描述一次部分指标上报，nil 字段保持原值。
type MetricsUpdate struct {
	Health      *float64
	LatencyMS   *float64
	Reliability *float64
	Load        *int
}

var (
	// ErrAgentNotFound 表示指定的智能体不存在。
	ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "agent not found")
	// ErrCapacityExceeded 表示智能体并发容量已满。
	ErrCapacityExceeded = xerrors.New(xerrors.CodeCapacityExceeded, "agent at max concurrency")
	// ErrLoadInvariant 表示读取时发现负载超过并发上限，说明负载记账存在缺陷。
	ErrLoadInvariant = xerrors.New(xerrors.CodeInvariantViolation, "current load exceeds max concurrency")
)

const (
	CodeAgentValidation xerrors.Code = "AGENT_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeAgentValidation, xerrors.Attributes{
		Message:   "agent validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// HasCapability 判断智能体是否声明了指定能力标签。
func (a Agent) HasCapability(tag string) bool {
	for _, capability := range a.Capabilities {
		if capability == tag {
			return true
		}
	}
	return false
}

// clone 返回智能体的深拷贝，读取方拿到的永远是一致快照。
func (a Agent) clone() Agent {
	copied := a
	if a.Capabilities != nil {
		copied.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return copied
}

// validate 检查注册请求的合法性。
func (a Agent) validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return xerrors.New(CodeAgentValidation, "智能体 ID 不能为空")
	}
	if a.MaxConcurrency <= 0 {
		return xerrors.New(CodeAgentValidation, "最大并发必须为正数")
	}
	if a.Health < 0 || a.Health > 1 {
		return xerrors.New(CodeAgentValidation, "健康度必须位于 [0,1] 区间")
	}
	if a.Reliability < 0 || a.Reliability > 1 {
		return xerrors.New(CodeAgentValidation, "可靠性必须位于 [0,1] 区间")
	}
	if a.LatencyMS < 0 {
		return xerrors.New(CodeAgentValidation, "延迟不能为负")
	}
	if a.CurrentLoad < 0 || a.CurrentLoad > a.MaxConcurrency {
		return xerrors.New(CodeAgentValidation, "当前负载必须位于 [0,max_concurrency] 区间")
	}
	return nil
}

// sortAgents 按 ID 升序排序，保证查询结果可复现。
func sortAgents(agents []Agent) {
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].ID < agents[j].ID
	})
}
