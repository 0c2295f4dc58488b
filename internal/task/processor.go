package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/internal/event"
	"Sentinel-Protocol/internal/observability/alerting"
	"Sentinel-Protocol/internal/orchestrator"
	"Sentinel-Protocol/internal/trigger"
	"Sentinel-Protocol/pkg/logger"
)

// Runner 定义了处理器所需的编排能力，*orchestrator.Orchestrator 实现该接口。
type Runner interface {
	Run(ctx context.Context, trig trigger.Trigger, sink event.Sink) (*orchestrator.Result, error)
}

// Processor 从队列消费任务并交给编排器执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("processor")
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, "", CodeTaskProcessing, err, "claim")
		return err
	}

	events := &event.Log{}
	result, runErr := p.runner.Run(ctx, task.Trigger, events)
	record := newRunRecord(result, events)

	if runErr != nil {
		return p.handleRunFailure(ctx, task, record, runErr)
	}

	status := StatusAuthorized
	if !result.Authorized() {
		status = StatusRejected
	}
	if err := p.store.Complete(ctx, task.ID, status, *record); err != nil {
		p.logger.Error("记录编排结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Info("触发任务完成",
		slog.String("task_id", task.ID),
		slog.String("run_id", record.RunID),
		slog.String("status", string(status)),
		slog.Int("attempts", record.Attempts),
		slog.String("reason", record.Reason),
	)
	if status == StatusRejected {
		p.emitAlert(ctx, task, record.RunID, CodeTaskRejected, result.Err(), "rejected")
	}
	return nil
}

func (p *Processor) handleRunFailure(ctx context.Context, task *Task, record *RunRecord, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	// 进程退出打断的运行不重投，启动时由 Recovery 重新入队。
	if ctx.Err() != nil && xerrors.HasCode(runErr, orchestrator.CodeRunCancelled) {
		terminal := task.Attempts >= task.MaxRetries
		if err := p.store.MarkFailed(context.WithoutCancel(ctx), task.ID, code, runErr.Error(), record, terminal); err != nil {
			return err
		}
		p.logger.Info("任务因退出中断", slog.String("task_id", task.ID), slog.Bool("terminal", terminal))
		return nil
	}

	retryable := xerrors.RetryableError(runErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if err := p.store.MarkFailed(ctx, task.ID, code, runErr.Error(), record, terminal); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("触发任务失败",
		slog.String("task_id", task.ID),
		slog.String("run_id", record.RunID),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	switch {
	case !retryable:
		stage = "non_retryable"
	case terminal:
		stage = "terminal"
	}
	p.emitAlert(ctx, task, record.RunID, code, runErr, stage)

	if !terminal {
		if err := p.producer.Publish(ctx, task.ID); err != nil {
			return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

func newRunRecord(result *orchestrator.Result, events *event.Log) *RunRecord {
	record := &RunRecord{Events: events.Events()}
	if result == nil {
		return record
	}
	record.RunID = result.RunID
	record.State = string(result.State)
	record.Attempts = result.Attempts
	record.Action = result.Action.Clone()
	switch {
	case result.Verdict != nil && result.State != orchestrator.StateFailed && result.State != orchestrator.StateCancelled:
		record.Reason = result.Verdict.Reason
	default:
		if err := result.Err(); err != nil {
			record.Reason = err.Error()
		}
	}
	return record
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, runID string, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	if cause != nil && !xerrors.ShouldAlert(cause) && !xerrors.AttributesOf(code).Alert {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	if task.Trigger.Reason != "" {
		metadata["trigger"] = task.Trigger.Reason
	}
	ev := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		RunID:      runID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, ev); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
