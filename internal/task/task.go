package task

import (
	stdErrors "errors"

	"Sentinel-Protocol/internal/action"
	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/internal/event"
	"Sentinel-Protocol/internal/trigger"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusAuthorized Status = "authorized"
	StatusRejected   Status = "rejected"
	StatusFailed     Status = "failed"
)

// Source 标记任务来源。
type Source string

const (
	SourceAPI       Source = "api"
	SourceScheduler Source = "scheduler"
)

// RunRecord 保存一次编排的结果摘要及其事件流。
type RunRecord struct {
	RunID    string            `json:"run_id"`
	State    string            `json:"state"`
	Attempts int               `json:"attempts"`
	Action   *action.Candidate `json:"action,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Events   []event.Event     `json:"events,omitempty"`
}

// Task 描述一次排队执行的触发。
type Task struct {
	ID         string          `json:"id"`
	Trigger    trigger.Trigger `json:"trigger"`
	Source     Source          `json:"source"`
	Schedule   string          `json:"schedule,omitempty"`
	Status     Status          `json:"status"`
	Terminal   bool            `json:"terminal"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Result     *RunRecord      `json:"result,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Done 判断任务是否已经结束，不会再被领取。
func (t *Task) Done() bool {
	if t == nil {
		return false
	}
	return t.Terminal || t.Status == StatusAuthorized || t.Status == StatusRejected
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经结束。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskRejected   xerrors.Code = "TASK_REJECTED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:  "task already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskRejected, xerrors.Attributes{
		Message:  "action not authorized",
		Severity: xerrors.SeverityInfo,
		Alert:    true,
	})
}

// IsTaskError 判断错误是否为指定的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range []*xerrors.Error{ErrTaskNotFound, ErrTaskConflict, ErrTaskCompleted, ErrTaskExhausted} {
		if stdErrors.Is(err, sentinel) {
			return sentinel.Code() == target
		}
	}
	return false
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusAuthorized, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	clone := *task
	clone.Trigger.Portfolio = clonePortfolio(task.Trigger.Portfolio)
	if task.Result != nil {
		record := *task.Result
		record.Action = task.Result.Action.Clone()
		record.Events = append([]event.Event(nil), task.Result.Events...)
		clone.Result = &record
	}
	return &clone
}

func clonePortfolio(p trigger.Portfolio) trigger.Portfolio {
	if p == nil {
		return nil
	}
	out := make(trigger.Portfolio, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
