package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"Sentinel-Protocol/internal/auth"
	"Sentinel-Protocol/pkg/plugin"
)

const (
	// EnvConfigPath 指定配置文件路径的环境变量。
	EnvConfigPath = "SENTINEL_CONFIG"
	// DefaultPath 是未设置环境变量时的配置文件路径。
	DefaultPath = "configs/sentinel.yaml"
)

// Config 描述守护进程启动所需的全部配置。
type Config struct {
	Server       ServerConfig         `yaml:"server"`
	Logging      LoggingConfig        `yaml:"logging"`
	Orchestrator OrchestratorConfig   `yaml:"orchestrator"`
	Policy       PolicyConfig         `yaml:"policy"`
	Feeds        FeedsConfig          `yaml:"feeds"`
	LLM          LLMConfig            `yaml:"llm"`
	Tasks        TasksConfig          `yaml:"tasks"`
	Scheduler    SchedulerConfig      `yaml:"scheduler"`
	Alerts       AlertsConfig         `yaml:"alerts"`
	Metrics      MetricsConfig        `yaml:"metrics"`
	Plugins      plugin.ManagerConfig `yaml:"plugins"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address         string      `yaml:"address"`
	AllowedOrigins  []string    `yaml:"allowed_origins"`
	ShutdownSeconds int         `yaml:"shutdown_seconds"`
	Auth            auth.Config `yaml:"auth"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level     string   `yaml:"level"`
	Format    string   `yaml:"format"`
	Outputs   []string `yaml:"outputs"`
	AddSource bool     `yaml:"add_source"`
	Audit     struct {
		Enabled    bool   `yaml:"enabled"`
		Path       string `yaml:"path"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"audit"`
}

// OrchestratorConfig 控制编排循环。
type OrchestratorConfig struct {
	MaxAttempts          int `yaml:"max_attempts"`
	RunTimeoutSeconds    int `yaml:"run_timeout_seconds"`
	FeedTimeoutSeconds   int `yaml:"feed_timeout_seconds"`
	OracleTimeoutSeconds int `yaml:"oracle_timeout_seconds"`
	// SelectorTimeoutSeconds 为 0 时沿用 OracleTimeoutSeconds 的一半。
	SelectorTimeoutSeconds int `yaml:"selector_timeout_seconds"`
	// SelectorEnabled 为 false 时每次迭代都获取全部数据源。
	SelectorEnabled *bool `yaml:"selector_enabled"`
}

// PolicyConfig 是用户授权配置的文件形式。
type PolicyConfig struct {
	AllowedActions       []string           `yaml:"allowed_actions"`
	AllowedTokens        []string           `yaml:"allowed_tokens"`
	MaxSwapPercentage    float64            `yaml:"max_swap_percentage"`
	DailySwapLimits      map[string]float64 `yaml:"daily_swap_limits"`
	MaxDailyTransactions int                `yaml:"max_daily_transactions"`
}

// FeedsConfig 描述各数据源。
type FeedsConfig struct {
	Price      PriceFeedConfig      `yaml:"price"`
	News       NewsFeedConfig       `yaml:"news"`
	Reputation ReputationFeedConfig `yaml:"reputation"`
	Static     StaticFeedConfig     `yaml:"static"`
}

// PriceFeedConfig 对应 CoinGecko 报价源。
type PriceFeedConfig struct {
	Enabled bool              `yaml:"enabled"`
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Coins   map[string]string `yaml:"coins"`
}

// NewsFeedConfig 对应 NewsAPI 新闻源。
type NewsFeedConfig struct {
	Enabled  bool     `yaml:"enabled"`
	BaseURL  string   `yaml:"base_url"`
	APIKey   string   `yaml:"api_key"`
	Keywords []string `yaml:"keywords"`
	PageSize int      `yaml:"page_size"`
}

// ReputationFeedConfig 对应链上信誉合约。
type ReputationFeedConfig struct {
	Enabled         bool     `yaml:"enabled"`
	RPCURL          string   `yaml:"rpc_url"`
	ContractAddress string   `yaml:"contract_address"`
	Tokens          []string `yaml:"tokens"`
}

// StaticFeedConfig 对应本地资料文件。
type StaticFeedConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Name       string `yaml:"name"`
	Path       string `yaml:"path"`
	MaxResults int    `yaml:"max_results"`
}

// LLMConfig 选择大模型的调用方式。
type LLMConfig struct {
	Provider string             `yaml:"provider"`
	OpenAI   OpenAIConfig       `yaml:"openai"`
	Script   ScriptBridgeConfig `yaml:"script"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// MaxRetries 是遇到 429 或 5xx 时的额外重试次数。
	MaxRetries int `yaml:"max_retries"`
}

// ScriptBridgeConfig 描述通过外部脚本完成推理时所需的信息。
type ScriptBridgeConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	WorkingDir string   `yaml:"working_dir"`
}

// TasksConfig 描述异步任务的存储、队列与工作协程。
type TasksConfig struct {
	Workers    int             `yaml:"workers"`
	MaxRetries int             `yaml:"max_retries"`
	Store      TaskStoreConfig `yaml:"store"`
	Queue      QueueConfig     `yaml:"queue"`
}

// TaskStoreConfig 支持 memory、mysql、sqlite。
type TaskStoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// QueueConfig 支持 memory、redis、rabbitmq。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Size     int            `yaml:"size"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 是 Redis 队列参数。
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	Queue            string `yaml:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 是 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// SchedulerConfig 描述周期触发。
type SchedulerConfig struct {
	Enabled   bool       `yaml:"enabled"`
	Schedules []Schedule `yaml:"schedules"`
}

// Schedule 是一条以秒为最小粒度的 cron 触发规则。
type Schedule struct {
	Name      string             `yaml:"name"`
	Cron      string             `yaml:"cron"`
	Reason    string             `yaml:"reason"`
	Portfolio map[string]float64 `yaml:"portfolio"`
}

// AlertsConfig 描述告警渠道。
type AlertsConfig struct {
	Log     bool          `yaml:"log"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig 描述 Webhook 告警。
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Format  string            `yaml:"format"`
	Headers map[string]string `yaml:"headers"`
}

// MetricsConfig 控制独立的指标端口。为空时指标挂在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Path 返回配置文件路径。
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// LoadDefault 依次加载 .env、配置文件与环境变量覆盖。
// 仅当使用默认路径且文件不存在时才回退到内置默认值。
func LoadDefault() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}
	path := Path()
	cfg, err := Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) && os.Getenv(EnvConfigPath) == "" {
		cfg = &Config{}
		cfg.applyEnv()
		cfg.applyDefaults(".")
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// Load 解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 YAML 内容，baseDir 用于解析相对路径。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 处理敏感信息与部署相关的环境变量覆盖。
func (c *Config) applyEnv() {
	setString(&c.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.LLM.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.LLM.OpenAI.Model, "OPENAI_MODEL")
	setString(&c.Feeds.News.APIKey, "NEWS_API_KEY")
	setString(&c.Feeds.Price.APIKey, "COINGECKO_API_KEY")
	setString(&c.Feeds.Reputation.RPCURL, "SENTINEL_RPC_URL")
	setString(&c.Feeds.Reputation.ContractAddress, "SENTINEL_CONTRACT_ADDRESS")
	setString(&c.Tasks.Store.DSN, "SENTINEL_STORE_DSN")
	setString(&c.Tasks.Queue.Redis.Password, "SENTINEL_REDIS_PASSWORD")
	setString(&c.Tasks.Queue.RabbitMQ.URL, "SENTINEL_RABBITMQ_URL")
	setString(&c.Alerts.Webhook.URL, "SENTINEL_ALERT_WEBHOOK")
	setString(&c.Server.Address, "SENTINEL_ADDRESS")
	setString(&c.Logging.Level, "SENTINEL_LOG_LEVEL")

	// SENTINEL_API_KEY 追加一个拥有全部权限的密钥并开启认证。
	if key := strings.TrimSpace(os.Getenv("SENTINEL_API_KEY")); key != "" {
		c.Server.Auth.Keys = append(c.Server.Auth.Keys, auth.Key{Name: "env", Token: key, Permissions: []string{auth.PermissionAll}})
		if c.Server.Auth.Mode == "" {
			c.Server.Auth.Mode = auth.ModeAPIKey
		}
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 10
	}
	if c.Server.Auth.Mode == "" {
		c.Server.Auth.Mode = auth.ModeDisabled
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	o := &c.Orchestrator
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.FeedTimeoutSeconds <= 0 {
		o.FeedTimeoutSeconds = 15
	}
	if o.OracleTimeoutSeconds <= 0 {
		o.OracleTimeoutSeconds = 60
	}
	if o.SelectorTimeoutSeconds <= 0 {
		o.SelectorTimeoutSeconds = o.OracleTimeoutSeconds / 2
	}
	if o.SelectorEnabled == nil {
		enabled := true
		o.SelectorEnabled = &enabled
	}

	p := &c.Policy
	if len(p.AllowedActions) == 0 {
		p.AllowedActions = []string{"swap", "stake", "unstake"}
	}
	if len(p.AllowedTokens) == 0 {
		p.AllowedTokens = []string{"ETH", "AAVE", "USDC"}
	}
	if p.MaxSwapPercentage <= 0 {
		p.MaxSwapPercentage = 50
	}
	if p.MaxDailyTransactions <= 0 {
		p.MaxDailyTransactions = 5
	}
	if p.DailySwapLimits == nil {
		p.DailySwapLimits = map[string]float64{"ETH": 5, "AAVE": 100, "USDC": 1000}
	}

	if c.Feeds.Static.Enabled && c.Feeds.Static.Path != "" {
		c.Feeds.Static.Path = resolve(baseDir, c.Feeds.Static.Path)
	}

	if c.LLM.Provider == "" {
		if c.LLM.Script.Command != "" && c.LLM.OpenAI.APIKey == "" {
			c.LLM.Provider = "script"
		} else {
			c.LLM.Provider = "openai"
		}
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.Temperature <= 0 {
		c.LLM.OpenAI.Temperature = 0.2
	}
	if c.LLM.OpenAI.MaxTokens <= 0 {
		c.LLM.OpenAI.MaxTokens = 300
	}
	if c.LLM.Script.WorkingDir == "" {
		c.LLM.Script.WorkingDir = baseDir
	} else {
		c.LLM.Script.WorkingDir = resolve(baseDir, c.LLM.Script.WorkingDir)
	}

	t := &c.Tasks
	if t.Workers <= 0 {
		t.Workers = 4
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = 3
	}
	if t.Store.Driver == "" {
		t.Store.Driver = "memory"
	}
	if t.Store.Driver == "sqlite" {
		if t.Store.DSN == "" {
			t.Store.DSN = "data/sentinel.db"
		}
		t.Store.DSN = resolve(baseDir, t.Store.DSN)
	}
	if t.Queue.Driver == "" {
		t.Queue.Driver = "memory"
	}
	if t.Queue.Size <= 0 {
		t.Queue.Size = 128
	}

	if c.Alerts.Webhook.Format == "" {
		c.Alerts.Webhook.Format = "json"
	}

	if c.Plugins.Dir != "" {
		c.Plugins.Dir = resolve(baseDir, c.Plugins.Dir)
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "openai":
	case "script":
		if c.LLM.Script.Command == "" {
			errs = append(errs, errors.New("llm.script.command 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 llm.provider: %q", c.LLM.Provider))
	}
	switch c.Tasks.Store.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Tasks.Store.DSN == "" {
			errs = append(errs, errors.New("tasks.store.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 tasks.store.driver: %q", c.Tasks.Store.Driver))
	}
	switch c.Tasks.Queue.Driver {
	case "memory":
	case "redis":
		if c.Tasks.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("tasks.queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Tasks.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("tasks.queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 tasks.queue.driver: %q", c.Tasks.Queue.Driver))
	}
	if c.Feeds.Reputation.Enabled && c.Feeds.Reputation.RPCURL == "" {
		errs = append(errs, errors.New("feeds.reputation.rpc_url 不能为空"))
	}
	if c.Feeds.Static.Enabled && c.Feeds.Static.Path == "" {
		errs = append(errs, errors.New("feeds.static.path 不能为空"))
	}
	if c.Policy.MaxSwapPercentage > 100 {
		errs = append(errs, fmt.Errorf("policy.max_swap_percentage 超出范围: %v", c.Policy.MaxSwapPercentage))
	}
	for _, s := range c.Scheduler.Schedules {
		if strings.TrimSpace(s.Cron) == "" {
			errs = append(errs, fmt.Errorf("调度 %q 缺少 cron 表达式", s.Name))
		}
	}
	if err := c.Server.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.auth: %w", err))
	}
	if err := c.Plugins.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// RunTimeout 返回单次编排的总超时，0 表示不限制。
func (o OrchestratorConfig) RunTimeout() time.Duration { return seconds(o.RunTimeoutSeconds) }

// FeedTimeout 返回单个数据源的超时。
func (o OrchestratorConfig) FeedTimeout() time.Duration { return seconds(o.FeedTimeoutSeconds) }

// OracleTimeout 返回提议调用的超时。
func (o OrchestratorConfig) OracleTimeout() time.Duration { return seconds(o.OracleTimeoutSeconds) }

// SelectorTimeout 返回选择调用的超时。
func (o OrchestratorConfig) SelectorTimeout() time.Duration {
	return seconds(o.SelectorTimeoutSeconds)
}

// UseSelector 判断是否启用数据源选择。
func (o OrchestratorConfig) UseSelector() bool {
	return o.SelectorEnabled == nil || *o.SelectorEnabled
}

// ShutdownTimeout 返回优雅退出的等待时间。
func (s ServerConfig) ShutdownTimeout() time.Duration { return seconds(s.ShutdownSeconds) }
