package orchestrator

import (
	"time"

	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/internal/trigger"
)

// Trigger 是单次编排的输入，运行期间不可修改。
type Trigger = trigger.Trigger

// State 是编排状态机的状态。
type State string

const (
	StateSelectingFeeds State = "SELECTING_FEEDS"
	StateFetching       State = "FETCHING"
	StateProposing      State = "PROPOSING"
	StateAuthorizing    State = "AUTHORIZING"
	StateRevising       State = "REVISING"
	StateAuthorized     State = "AUTHORIZED"
	StateExhausted      State = "EXHAUSTED"
	StateFailed         State = "FAILED"
	StateCancelled      State = "CANCELLED"
)

// Terminal 判断是否为终止状态。
func (s State) Terminal() bool {
	switch s {
	case StateAuthorized, StateExhausted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

var transitions = map[State][]State{
	StateSelectingFeeds: {StateFetching, StateCancelled},
	StateFetching:       {StateProposing, StateCancelled},
	StateProposing:      {StateAuthorizing, StateFailed, StateCancelled},
	StateAuthorizing:    {StateAuthorized, StateRevising, StateExhausted},
	StateRevising:       {StateSelectingFeeds, StateCancelled},
}

// CanTransition 判断状态转换是否合法。
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition 记录一次状态转换。
type Transition struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

const (
	// CodeRunCancelled 表示调用方取消或整体超时。
	CodeRunCancelled xerrors.Code = "RUN_CANCELLED"
	// CodeNotAuthorized 表示修订次数用尽仍未获授权。
	CodeNotAuthorized xerrors.Code = "NOT_AUTHORIZED"
)

var (
	ErrRunCancelled  = xerrors.New(CodeRunCancelled, "")
	ErrNotAuthorized = xerrors.New(CodeNotAuthorized, "")
)

func init() {
	xerrors.Register(CodeRunCancelled, xerrors.Attributes{
		Message:  "run cancelled",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNotAuthorized, xerrors.Attributes{
		Message:  "action not authorized",
		Severity: xerrors.SeverityInfo,
		Alert:    true,
	})
}
