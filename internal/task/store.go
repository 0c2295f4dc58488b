package task

import (
	"context"

	xerrors "Sentinel-Protocol/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 把任务标记为运行中并增加尝试次数。已结束的任务返回 ErrTaskCompleted。
	Claim(ctx context.Context, id string) (*Task, error)
	// Complete 以 authorized 或 rejected 结束任务。
	Complete(ctx context.Context, id string, status Status, record RunRecord) error
	// MarkFailed 记录失败，terminal 为 true 时任务不再被领取。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, record *RunRecord, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
