package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/pkg/logger"
)

// CodeTaskInterrupted 标记运行中被进程崩溃打断的任务。
const CodeTaskInterrupted xerrors.Code = "TASK_INTERRUPTED"

func init() {
	xerrors.Register(CodeTaskInterrupted, xerrors.Attributes{
		Message:  "task interrupted before completion",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// RecoveryReport 汇总一次启动恢复的结果。
type RecoveryReport struct {
	Requeued  int `json:"requeued"`
	Abandoned int `json:"abandoned"`
}

// Recovery 在处理器启动前整理上一个进程遗留的任务：
// 未结束的失败任务重新入队，尝试次数用尽的直接结束；
// 仍处于 running 的任务视为崩溃中断，按失败结束，不再重跑。
type Recovery struct {
	store          Store
	producer       Producer
	staleAfter     time.Duration
	requeuePending bool
	now            func() time.Time
	logger         *slog.Logger
}

// RecoveryOption 定义恢复流程的可选配置。
type RecoveryOption func(*Recovery)

// WithStaleAfter 只处理超过 d 未更新的 running 任务。
func WithStaleAfter(d time.Duration) RecoveryOption {
	return func(r *Recovery) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithPendingRequeue 重新投递 pending 任务，用于不持久化的内存队列。
func WithPendingRequeue(enabled bool) RecoveryOption {
	return func(r *Recovery) { r.requeuePending = enabled }
}

// WithRecoveryLogger 指定日志输出。
func WithRecoveryLogger(l *slog.Logger) RecoveryOption {
	return func(r *Recovery) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecovery 构造 Recovery。
func NewRecovery(store Store, producer Producer, opts ...RecoveryOption) *Recovery {
	r := &Recovery{store: store, producer: producer, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("recovery")
	}
	return r
}

// Run 执行一次恢复。先收集全部候选任务再逐个处理，避免状态变化影响分页。
func (r *Recovery) Run(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if r.store == nil || r.producer == nil {
		return report, xerrors.New(xerrors.CodeInitializationFailure, "恢复流程未初始化")
	}

	statuses := []Status{StatusFailed, StatusRunning}
	if r.requeuePending {
		statuses = append(statuses, StatusPending)
	}
	tasks, err := r.collect(ctx, statuses)
	if err != nil {
		return report, err
	}

	cutoff := r.now().Add(-r.staleAfter).Unix()
	for _, t := range tasks {
		if t.Done() {
			continue
		}
		switch t.Status {
		case StatusRunning:
			if r.staleAfter > 0 && t.UpdatedAt > cutoff {
				continue
			}
			if err := r.store.MarkFailed(ctx, t.ID, CodeTaskInterrupted, "进程中断，运行未完成", nil, true); err != nil {
				return report, err
			}
			report.Abandoned++
			logger.Audit().Warn("中断任务已结束",
				slog.String("task_id", t.ID),
				slog.Int("attempts", t.Attempts),
			)
		case StatusFailed:
			if t.Attempts >= t.MaxRetries {
				if err := r.store.MarkFailed(ctx, t.ID, xerrors.Code(t.ErrorCode), t.LastError, nil, true); err != nil {
					return report, err
				}
				report.Abandoned++
				continue
			}
			if err := r.requeue(ctx, t); err != nil {
				return report, err
			}
			report.Requeued++
		case StatusPending:
			if err := r.requeue(ctx, t); err != nil {
				return report, err
			}
			report.Requeued++
		}
	}
	if report.Requeued > 0 || report.Abandoned > 0 {
		r.logger.Info("遗留任务恢复完成",
			slog.Int("requeued", report.Requeued),
			slog.Int("abandoned", report.Abandoned),
		)
	}
	return report, nil
}

func (r *Recovery) requeue(ctx context.Context, t *Task) error {
	if err := r.producer.Publish(ctx, t.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 恢复投递失败", t.ID))
	}
	r.logger.Debug("遗留任务重新入队", slog.String("task_id", t.ID), slog.String("status", string(t.Status)))
	return nil
}

func (r *Recovery) collect(ctx context.Context, statuses []Status) ([]*Task, error) {
	var out []*Task
	for offset := 0; ; offset += maxListLimit {
		page, err := r.store.List(ctx, buildListOptions([]ListOption{
			WithStatuses(statuses...),
			WithSortOrder(SortByUpdatedAsc),
			WithLimit(maxListLimit),
			WithOffset(offset),
		}))
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < maxListLimit {
			return out, nil
		}
	}
}
