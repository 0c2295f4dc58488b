package agent

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"Sentinel-Protocol/internal/action"
	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/internal/feed"
	"Sentinel-Protocol/internal/llm"
	"Sentinel-Protocol/internal/trigger"
	"Sentinel-Protocol/pkg/logger"
)

// ProposalRequest 是生成动作候选所需的输入。
type ProposalRequest struct {
	Trigger  trigger.Trigger
	Feeds    map[string]feed.Entry
	Attempt  int
	Revision *Revision
}

// DecisionAgent 调用大模型生成动作并解析为候选。
type DecisionAgent struct {
	client      llm.Client
	timeout     time.Duration
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

// ProposerOption 配置 DecisionAgent。
type ProposerOption func(*DecisionAgent)

// WithOracleTimeout 设置单次调用大模型的超时时间。
func WithOracleTimeout(d time.Duration) ProposerOption {
	return func(a *DecisionAgent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithTemperature 设置采样温度。
func WithTemperature(t float64) ProposerOption {
	return func(a *DecisionAgent) {
		if t >= 0 {
			a.temperature = t
		}
	}
}

// WithMaxTokens 限制输出长度。
func WithMaxTokens(n int) ProposerOption {
	return func(a *DecisionAgent) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithProposerLogger 指定日志实例。
func WithProposerLogger(l *slog.Logger) ProposerOption {
	return func(a *DecisionAgent) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewDecisionAgent 创建动作生成器。
func NewDecisionAgent(client llm.Client, opts ...ProposerOption) *DecisionAgent {
	a := &DecisionAgent{client: client, temperature: 0.2, maxTokens: 300}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.timeout <= 0 {
		a.timeout = 60 * time.Second
	}
	if a.logger == nil {
		a.logger = logger.Named("proposer")
	}
	return a
}

// Propose 实现 Proposer。
func (a *DecisionAgent) Propose(ctx context.Context, req ProposalRequest) (*action.Candidate, error) {
	if a.client == nil {
		return nil, xerrors.New(CodeOracleUnavailable, "未配置大模型客户端")
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.Generate(callCtx, llm.Request{
		System:      proposerSystemPrompt,
		Prompt:      buildProposalPrompt(req),
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
		JSON:        true,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(CodeOracleUnavailable, err, "调用大模型超时",
				xerrors.WithMetadata("timeout", a.timeout.String()))
		}
		return nil, xerrors.Wrap(CodeOracleUnavailable, err, "调用大模型失败")
	}
	if resp == nil {
		return nil, xerrors.New(CodeOracleUnavailable, "大模型返回为空")
	}

	candidate, err := action.Parse(resp.Text)
	if err != nil {
		a.logger.Warn("动作解析失败",
			slog.Int("attempt", req.Attempt),
			slog.String("output", truncate(resp.Text, 200)),
		)
		return nil, xerrors.Wrap(CodeProposalMalformed, err, "无法解析大模型输出")
	}
	a.logger.Debug("生成动作候选",
		slog.Int("attempt", req.Attempt),
		slog.String("type", string(candidate.Type)),
		slog.String("model", resp.Model),
	)
	return candidate, nil
}
