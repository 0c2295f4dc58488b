package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"Sentinel-Protocol/internal/action"
	"Sentinel-Protocol/internal/feed"
	"Sentinel-Protocol/internal/llm"
	"Sentinel-Protocol/internal/trigger"
	"Sentinel-Protocol/pkg/logger"
)

// SelectionRequest 是一次数据源选择所需的上下文。
type SelectionRequest struct {
	Trigger         trigger.Trigger
	Feeds           []string
	Context         map[string]feed.Entry
	RejectionReason string
}

// flatKeys 兼容 {"priceFeed": true, ...} 形式的回答。
var flatKeys = map[string]string{
	"priceFeed":      feed.Price,
	"newsFeed":       feed.News,
	"reputationFeed": feed.Reputation,
}

// FeedSelector 通过大模型选择数据源，任何失败都回退为全部启用。
type FeedSelector struct {
	client  llm.Client
	timeout time.Duration
	logger  *slog.Logger
}

// SelectorOption 配置 FeedSelector。
type SelectorOption func(*FeedSelector)

// WithSelectorTimeout 设置单次选择的超时时间。
func WithSelectorTimeout(d time.Duration) SelectorOption {
	return func(s *FeedSelector) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSelectorLogger 指定日志实例。
func WithSelectorLogger(l *slog.Logger) SelectorOption {
	return func(s *FeedSelector) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewFeedSelector 创建数据源选择器。
func NewFeedSelector(client llm.Client, opts ...SelectorOption) *FeedSelector {
	s := &FeedSelector{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	if s.logger == nil {
		s.logger = logger.Named("selector")
	}
	return s
}

// Select 实现 Selector。
func (s *FeedSelector) Select(ctx context.Context, req SelectionRequest) feed.Selection {
	selection := feed.All(req.Feeds)
	if s.client == nil {
		return selection
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Generate(callCtx, llm.Request{
		System:      selectorSystemPrompt,
		Prompt:      buildSelectionPrompt(req),
		Temperature: 0,
		MaxTokens:   200,
		JSON:        true,
	})
	if err != nil {
		s.logger.Warn("数据源选择失败，回退为全部启用", slog.Any("error", err))
		return selection
	}

	choices, ok := parseSelection(resp.Text)
	if !ok {
		s.logger.Warn("无法解析数据源选择结果，回退为全部启用", slog.String("output", truncate(resp.Text, 200)))
		return selection
	}
	for _, name := range req.Feeds {
		if enabled, present := choices[strings.ToLower(name)]; present {
			selection.Set(name, enabled)
		}
	}
	s.logger.Debug("数据源选择完成", slog.Any("feeds", selection.Names()))
	return selection
}

// parseSelection 只提取布尔值，键统一转为小写，未知名称和非布尔值都被忽略。
func parseSelection(text string) (map[string]bool, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(action.StripFences(text)), &raw); err != nil || raw == nil {
		return nil, false
	}
	if nested, ok := raw["feeds"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err != nil || inner == nil {
			return nil, false
		}
		raw = inner
	}

	out := make(map[string]bool, len(raw))
	for key, value := range raw {
		var enabled bool
		if err := json.Unmarshal(value, &enabled); err != nil {
			continue
		}
		name := key
		if mapped, ok := flatKeys[key]; ok {
			name = mapped
		}
		out[strings.ToLower(name)] = enabled
	}
	return out, true
}
