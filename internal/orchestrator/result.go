package orchestrator

import (
	"fmt"
	"time"

	"Sentinel-Protocol/internal/action"
	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/internal/feed"
	"Sentinel-Protocol/internal/policy"
)

// Result 是一次编排的最终结果。
type Result struct {
	RunID       string                `json:"runId"`
	State       State                 `json:"state"`
	Attempts    int                   `json:"attempts"`
	Action      *action.Candidate     `json:"action,omitempty"`
	Verdict     *policy.Verdict       `json:"verdict,omitempty"`
	Rejections  []string              `json:"rejections,omitempty"`
	Transitions []Transition          `json:"transitions"`
	Context     map[string]feed.Entry `json:"context,omitempty"`
	Duration    time.Duration         `json:"duration"`

	err error
}

// Authorized 判断是否获得授权。
func (r *Result) Authorized() bool {
	return r != nil && r.State == StateAuthorized
}

// LastRejection 返回最近一次拒绝原因。
func (r *Result) LastRejection() string {
	if r == nil || len(r.Rejections) == 0 {
		return ""
	}
	return r.Rejections[len(r.Rejections)-1]
}

// Revisions 返回 REVISING 转换的次数。
func (r *Result) Revisions() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, t := range r.Transitions {
		if t.To == StateRevising {
			n++
		}
	}
	return n
}

// Err 把终止状态映射为错误，EXHAUSTED 对应 NOT_AUTHORIZED，供传输层使用。
func (r *Result) Err() error {
	if r == nil {
		return xerrors.New(xerrors.CodeUnknown, "")
	}
	switch r.State {
	case StateAuthorized:
		return nil
	case StateExhausted:
		return xerrors.New(CodeNotAuthorized, exhaustedMessage(r.Attempts, r.LastRejection()),
			xerrors.WithMetadata("attempts", fmt.Sprint(r.Attempts)))
	default:
		if r.err != nil {
			return r.err
		}
		return xerrors.New(xerrors.CodeUnknown, string(r.State))
	}
}

func exhaustedMessage(attempts int, reason string) string {
	return fmt.Sprintf("Action not authorized after maximum revisions (%d attempts): %s", attempts, reason)
}
