package config

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"Sentinel-Protocol/internal/action"
	"Sentinel-Protocol/internal/policy"
	"Sentinel-Protocol/internal/trigger"
	"Sentinel-Protocol/pkg/logger"
)

// Settings 把策略配置转换为评估器使用的形式。
func (p PolicyConfig) Settings() policy.Settings {
	s := policy.Settings{
		MaxSwapPercentage:    decimal.NewFromFloat(p.MaxSwapPercentage),
		MaxDailyTransactions: p.MaxDailyTransactions,
	}
	for _, a := range p.AllowedActions {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			s.AllowedActions = append(s.AllowedActions, action.Type(a))
		}
	}
	for _, t := range p.AllowedTokens {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			s.AllowedTokens = append(s.AllowedTokens, t)
		}
	}
	if len(p.DailySwapLimits) > 0 {
		s.DailySwapLimits = make(map[string]decimal.Decimal, len(p.DailySwapLimits))
		for token, limit := range p.DailySwapLimits {
			s.DailySwapLimits[strings.ToUpper(token)] = decimal.NewFromFloat(limit)
		}
	}
	return s
}

// Trigger 把调度规则转换为触发事件。
func (s Schedule) Trigger() trigger.Trigger {
	t := trigger.Trigger{Reason: s.Reason, Portfolio: make(trigger.Portfolio, len(s.Portfolio))}
	for token, amount := range s.Portfolio {
		t.Portfolio[token] = decimal.NewFromFloat(amount)
	}
	return t.Normalize()
}

// Logger 返回 pkg/logger 的配置。
func (l LoggingConfig) Logger() logger.Config {
	return logger.Config{
		Level:       l.Level,
		Format:      l.Format,
		OutputPaths: l.Outputs,
		AddSource:   l.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    l.Audit.Enabled,
			Path:       l.Audit.Path,
			MaxSizeMB:  l.Audit.MaxSizeMB,
			MaxBackups: l.Audit.MaxBackups,
			MaxAgeDays: l.Audit.MaxAgeDays,
		},
	}
}

// EnabledFeeds 返回启用的数据源名称，按字母序排列。
func (f FeedsConfig) EnabledFeeds() []string {
	var names []string
	if f.Price.Enabled {
		names = append(names, "price")
	}
	if f.News.Enabled {
		names = append(names, "news")
	}
	if f.Reputation.Enabled {
		names = append(names, "reputation")
	}
	if f.Static.Enabled {
		name := f.Static.Name
		if name == "" {
			name = "research"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BlockWait 返回 Redis BRPOP 的等待时间。
func (r RedisConfig) BlockWait() time.Duration { return seconds(r.BlockWaitSeconds) }
