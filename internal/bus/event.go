package bus

import (
	"time"

	"github.com/google/uuid"

	xerrors "OpenSwarm-Core/internal/errors"
)

// Type 标识协调事件的类别。
type Type string

const (
	TypeAgentStarted      Type = "agent.started"
	TypeAgentUpdated      Type = "agent.updated"
	TypeAgentFailed       Type = "agent.failed"
	TypeAgentRemoved      Type = "agent.removed"
	TypeCommandRouted     Type = "command.routed"
	TypeCommandCompleted  Type = "command.completed"
	TypeConsensusRequired Type = "consensus.required"
	TypeVotingCompleted   Type = "consensus.voting_completed"
	TypeTrustUpdated      Type = "trust.updated"
	TypeResourceExhausted Type = "resource.exhausted"
)

// Event 是总线上流转的不可变协调事件。
type Event struct {
	ID               string         `json:"id"`
	Type             Type           `json:"type"`
	Source           string         `json:"source"`
	Timestamp        int64          `json:"timestamp"`
	Payload          map[string]any `json:"payload,omitempty"`
	Priority         int            `json:"priority"`
	RequiresResponse bool           `json:"requires_response,omitempty"`
}

const (
	// PriorityDefault 是未显式指定时的事件优先级。
	PriorityDefault = 5
	priorityMin     = 1
	priorityMax     = 10
)

const (
	CodeEventValidation xerrors.Code = "EVENT_VALIDATION_FAILED"
	CodeRelayFailure    xerrors.Code = "EVENT_RELAY_FAILED"
)

func init() {
	xerrors.Register(CodeEventValidation, xerrors.Attributes{
		Message:   "event validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRelayFailure, xerrors.Attributes{
		Message:   "failed to relay event",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// normalize 补齐事件的标识、时间戳与优先级。
func normalize(ev Event) (Event, error) {
	if ev.Type == "" {
		return ev, xerrors.New(CodeEventValidation, "事件类型不能为空")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixNano()
	}
	if ev.Priority == 0 {
		ev.Priority = PriorityDefault
	}
	if ev.Priority < priorityMin || ev.Priority > priorityMax {
		return ev, xerrors.New(CodeEventValidation, "事件优先级必须位于 1-10 区间")
	}
	return ev, nil
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cloned := make(map[string]any, len(payload))
	for key, value := range payload {
		cloned[key] = value
	}
	return cloned
}

// Clone 返回事件的深拷贝，保证历史缓冲内的事件不可被调用方篡改。
func (e Event) Clone() Event {
	clone := e
	clone.Payload = clonePayload(e.Payload)
	return clone
}
