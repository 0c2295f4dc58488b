package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"Sentinel-Protocol/internal/agent"
	"Sentinel-Protocol/internal/config"
	"Sentinel-Protocol/internal/feed"
	"Sentinel-Protocol/internal/feed/news"
	"Sentinel-Protocol/internal/feed/price"
	"Sentinel-Protocol/internal/feed/reputation"
	"Sentinel-Protocol/internal/feed/static"
	"Sentinel-Protocol/internal/llm"
	"Sentinel-Protocol/internal/llm/openai"
	"Sentinel-Protocol/internal/llm/script"
	"Sentinel-Protocol/internal/observability/alerting"
	"Sentinel-Protocol/internal/observability/metrics"
	"Sentinel-Protocol/internal/orchestrator"
	"Sentinel-Protocol/internal/task"
	"Sentinel-Protocol/pkg/logger"
	"Sentinel-Protocol/pkg/plugin"
)

// buildGateway 按配置注册数据源和插件数据源，返回的函数释放链上连接并停止插件。
func buildGateway(ctx context.Context, cfg *config.Config, reg *metrics.Registry) (*feed.Gateway, func(), error) {
	var providers []feed.Provider
	closeFn := func() {}
	f := cfg.Feeds

	if f.Price.Enabled {
		providers = append(providers, price.New(price.Config{
			BaseURL: f.Price.BaseURL,
			APIKey:  f.Price.APIKey,
			Coins:   f.Price.Coins,
			Timeout: cfg.Orchestrator.FeedTimeout(),
		}))
	}
	if f.News.Enabled {
		providers = append(providers, news.New(news.Config{
			BaseURL:  f.News.BaseURL,
			APIKey:   f.News.APIKey,
			Keywords: f.News.Keywords,
			PageSize: f.News.PageSize,
			Timeout:  cfg.Orchestrator.FeedTimeout(),
		}))
	}
	if f.Reputation.Enabled {
		rep, err := reputation.Dial(ctx, reputation.Config{
			RPCURL:          f.Reputation.RPCURL,
			ContractAddress: f.Reputation.ContractAddress,
			Tokens:          f.Reputation.Tokens,
		})
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, rep)
		closeFn = rep.Close
	}
	if f.Static.Enabled {
		notes, err := static.Load(f.Static.Name, f.Static.Path, f.Static.MaxResults)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		providers = append(providers, notes)
	}
	if len(cfg.Plugins.Plugins) > 0 {
		manager, err := plugin.NewManager(cfg.Plugins, plugin.WithResource("logger", logger.Named("plugin")))
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		if err := manager.StartAll(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
		for _, p := range manager.Feeds() {
			providers = append(providers, p)
		}
		closeChain := closeFn
		closeFn = func() {
			if err := manager.StopAll(context.Background()); err != nil {
				logger.L().Warn("停止插件失败", slog.Any("error", err))
			}
			closeChain()
		}
		logger.L().Info("插件数据源已启动", slog.Any("plugins", manager.IDs()))
	}
	if len(providers) == 0 {
		logger.L().Warn("未启用任何数据源，提议将只依据触发事件")
	}

	gw := feed.NewGateway(providers,
		feed.WithFeedTimeout(cfg.Orchestrator.FeedTimeout()),
		feed.WithObserver(reg),
		feed.WithLogger(logger.Named("feed")),
	)
	return gw, closeFn, nil
}

func buildLLMClient(cfg config.LLMConfig, timeout time.Duration) (llm.Client, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:     cfg.OpenAI.APIKey,
			BaseURL:    cfg.OpenAI.BaseURL,
			Model:      cfg.OpenAI.Model,
			Timeout:    timeout,
			MaxRetries: cfg.OpenAI.MaxRetries,
		})
	case "script":
		return script.NewClient(script.Config{
			Command:    cfg.Script.Command,
			Args:       cfg.Script.Args,
			WorkingDir: cfg.Script.WorkingDir,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
}

func buildOrchestrator(cfg *config.Config, gateway *feed.Gateway, reg *metrics.Registry) (*orchestrator.Orchestrator, error) {
	oc := cfg.Orchestrator
	client, err := buildLLMClient(cfg.LLM, oc.OracleTimeout())
	if err != nil {
		return nil, err
	}
	proposer := agent.NewDecisionAgent(client,
		agent.WithOracleTimeout(oc.OracleTimeout()),
		agent.WithTemperature(cfg.LLM.OpenAI.Temperature),
		agent.WithMaxTokens(cfg.LLM.OpenAI.MaxTokens),
		agent.WithProposerLogger(logger.Named("proposer")),
	)
	var selector agent.Selector = agent.AllFeeds{}
	if oc.UseSelector() {
		selector = agent.NewFeedSelector(client,
			agent.WithSelectorTimeout(oc.SelectorTimeout()),
			agent.WithSelectorLogger(logger.Named("selector")),
		)
	}
	return orchestrator.New(gateway, selector, proposer,
		orchestrator.WithSettings(cfg.Policy.Settings()),
		orchestrator.WithMaxAttempts(oc.MaxAttempts),
		orchestrator.WithRunTimeout(oc.RunTimeout()),
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithObserver(reg),
	)
}

func buildStore(cfg config.TaskStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(cfg.DSN)
	case "sqlite":
		return task.NewSQLiteStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Driver)
	}
}

func buildQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait(),
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func buildAlerts(cfg config.AlertsConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.Webhook.URL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.Webhook.URL,
			Format:  alerting.WebhookFormat(cfg.Webhook.Format),
			Headers: cfg.Webhook.Headers,
			Client:  &http.Client{Timeout: 10 * time.Second},
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	logger.L().Info("告警渠道已启用", slog.Int("count", len(notifiers)))
	return alerting.NewFanout(notifiers...)
}
