package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"Sentinel-Protocol/internal/api"
	"Sentinel-Protocol/internal/auth"
	"Sentinel-Protocol/internal/config"
	"Sentinel-Protocol/internal/observability/metrics"
	"Sentinel-Protocol/internal/scheduler"
	"Sentinel-Protocol/internal/task"
	"Sentinel-Protocol/pkg/logger"
)

// main 是 Sentinel 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("sentineld 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Logger()); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	l := logger.Named("sentineld")

	reg := metrics.New()

	gateway, closeFeeds, err := buildGateway(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer closeFeeds()

	orch, err := buildOrchestrator(cfg, gateway, reg)
	if err != nil {
		return err
	}

	store, err := buildStore(cfg.Tasks.Store)
	if err != nil {
		return err
	}
	queue, err := buildQueue(ctx, cfg.Tasks.Queue)
	if err != nil {
		_ = store.Close()
		return err
	}
	taskService := task.NewService(store, queue, cfg.Tasks.MaxRetries)
	defer func() {
		if err := taskService.Close(); err != nil {
			l.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	recovery := task.NewRecovery(store, queue,
		task.WithPendingRequeue(cfg.Tasks.Queue.Driver == "memory"),
		task.WithRecoveryLogger(logger.Named("recovery")),
	)
	if _, err := recovery.Run(ctx); err != nil {
		return err
	}

	processor := task.NewProcessor(orch, store, queue, queue,
		task.WithWorkerCount(cfg.Tasks.Workers),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithAlertDispatcher(buildAlerts(cfg.Alerts)),
	)
	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			l.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(taskService)
		for _, s := range cfg.Scheduler.Schedules {
			if err := sched.Add(s.Name, s.Cron, s.Trigger()); err != nil {
				return err
			}
		}
		sched.Start(ctx)
		defer sched.Stop(context.WithoutCancel(ctx))
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := reg.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				l.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	authService, err := auth.NewService(cfg.Server.Auth)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server.Address, orch,
		api.WithTasks(taskService),
		api.WithAuth(authService),
		api.WithMetrics(reg),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout()),
	)
	l.Info("守护进程已启动",
		slog.String("address", cfg.Server.Address),
		slog.Any("feeds", gateway.Names()),
		slog.String("llm", cfg.LLM.Provider),
		slog.Bool("auth", authService.Enabled()),
		slog.String("store", cfg.Tasks.Store.Driver),
		slog.String("queue", cfg.Tasks.Queue.Driver),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
