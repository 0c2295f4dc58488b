// Package scheduler submits configured periodic triggers to the task pipeline.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/internal/task"
	"Sentinel-Protocol/internal/trigger"
	"Sentinel-Protocol/pkg/logger"
)

// Submitter 是任务服务中调度器需要的部分。
type Submitter interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
}

// Job 是一条已注册的周期触发。
type Job struct {
	Name    string
	Spec    string
	Trigger trigger.Trigger
	entry   cron.EntryID
}

// Scheduler 按 cron 表达式（含秒字段）提交触发任务。
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.RWMutex
	jobs map[string]*Job
	ctx  context.Context
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 替换时间来源，用于生成任务 ID。
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New 创建调度器。
func New(submitter Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		submitter: submitter,
		logger:    logger.Named("scheduler"),
		now:       time.Now,
		jobs:      make(map[string]*Job),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger{s.logger})))
	return s
}

// Add 注册一条周期触发，名称必须唯一。
func (s *Scheduler) Add(name, spec string, trig trigger.Trigger) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "调度名称不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("调度 %q 已存在", name))
	}
	job := &Job{Name: name, Spec: spec, Trigger: trig.Normalize()}
	id, err := s.cron.AddFunc(spec, func() { s.fire(job) })
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("调度 %q 的 cron 表达式无效", name))
	}
	job.entry = id
	s.jobs[name] = job
	s.logger.Info("调度已注册", slog.String("job", name), slog.String("schedule", spec))
	return nil
}

// Jobs 返回已注册调度的名称与下次触发时间。
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.jobs))
	for name, job := range s.jobs {
		out[name] = s.cron.Entry(job.entry).Next
	}
	return out
}

// Start 启动调度，ctx 用于提交任务。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("调度器已启动", slog.Int("jobs", len(s.Jobs())))
}

// Stop 停止调度并等待正在执行的提交完成。
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.logger.Info("调度器已停止")
}

// RunNow 立即提交一次指定调度，不影响周期计划。
func (s *Scheduler) RunNow(ctx context.Context, name string) (*task.Task, error) {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("调度 %q 不存在", name))
	}
	return s.submit(ctx, job)
}

func (s *Scheduler) fire(job *Job) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if _, err := s.submit(ctx, job); err != nil {
		s.logger.Error("调度提交失败", slog.String("job", job.Name), slog.Any("error", err))
	}
}

// 同一调度在同一秒内只生成一个任务 ID，多实例部署时由存储层去重。
func (s *Scheduler) submit(ctx context.Context, job *Job) (*task.Task, error) {
	at := s.now().UTC().Truncate(time.Second)
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("sentinel-schedule:%s@%d", job.Name, at.Unix()))).String()
	t, err := s.submitter.Submit(ctx, task.SubmitRequest{
		ID:       id,
		Trigger:  job.Trigger,
		Source:   task.SourceScheduler,
		Schedule: job.Name,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("调度已提交", slog.String("job", job.Name), slog.String("task_id", t.ID))
	return t, nil
}

// cronLogger 把 cron 的内部日志转发到 slog。
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
