package trust

import (
	xerrors "OpenSwarm-Core/internal/errors"
)

// OutcomeKind 枚举一次执行观察的结果类别。
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeTimeout OutcomeKind = "timeout"
	OutcomePartial OutcomeKind = "partial_failure"
	OutcomeFailure OutcomeKind = "failure"
)

// Outcome 描述一次被观察的执行结果。ErrorRate 仅对部分失败有意义。
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	ErrorRate float64     `json:"error_rate,omitempty"`
}

// delta 将结果映射到 [-1.0, 1.0] 的学习信号。
func (o Outcome) delta() float64 {
	switch o.Kind {
	case OutcomeSuccess:
		return 0.8
	case OutcomeTimeout:
		return -0.3
	case OutcomePartial:
		rate := o.ErrorRate
		if rate < 0 {
			rate = 0
		}
		if rate > 1 {
			rate = 1
		}
		return -0.5 * rate
	case OutcomeFailure:
		return -1.0
	default:
		return 0
	}
}

// valid 检查结果类别是否为支持的枚举值。
func (o Outcome) valid() bool {
	switch o.Kind {
	case OutcomeSuccess, OutcomeTimeout, OutcomePartial, OutcomeFailure:
		return true
	default:
		return false
	}
}

// Score 是某个智能体的声誉快照。
// 0.5 为中性先验；Confidence 随样本数增长。
type Score struct {
	Subject    string  `json:"subject"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Samples    int     `json:"samples"`
	UpdatedAt  int64   `json:"updated_at"`
}

// Edge 是一条有向信任边。边只追加、永不原地修改，
// 同一对端点之间以最新的边为准。
type Edge struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Level     float64 `json:"level"`
	CreatedAt int64   `json:"created_at"`
}

var (
	// ErrSubjectUnknown 表示观察对象未在注册表中登记。
	ErrSubjectUnknown = xerrors.New(xerrors.CodeNotFound, "trust subject not registered")
	// ErrObserverUnknown 表示观察者未在注册表中登记。
	ErrObserverUnknown = xerrors.New(xerrors.CodeNotFound, "trust observer not registered")
)

const (
	CodeTrustValidation xerrors.Code = "TRUST_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeTrustValidation, xerrors.Attributes{
		Message:   "trust observation validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
