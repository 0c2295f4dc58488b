// Package policy evaluates action candidates against user authorization
// settings. Evaluation is pure and deterministic and is safe to share across
// concurrent runs.
package policy

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"Sentinel-Protocol/internal/action"
)

const (
	ReasonNoAction   = "No action specified."
	ReasonAuthorized = "Action is authorized."
)

var hundred = decimal.NewFromInt(100)

// Settings 是用户授权配置，由调用方持有，评估过程只读。
//
// MaxSwapPercentage 以百分比表示（50 即 50%），swap 候选的 amount
// 表示 fromToken 持仓的比例（0.4 即 40%），比较时使用 amount > MaxSwapPercentage/100。
type Settings struct {
	AllowedActions       []action.Type              `json:"allowedActions"`
	AllowedTokens        []string                   `json:"allowedTokens"`
	MaxSwapPercentage    decimal.Decimal            `json:"maxSwapPercentage"`
	DailySwapLimits      map[string]decimal.Decimal `json:"dailySwapLimits,omitempty"`
	MaxDailyTransactions int                        `json:"maxDailyTransactions,omitempty"`
}

// DefaultSettings 返回默认授权配置。
func DefaultSettings() Settings {
	return Settings{
		AllowedActions:       []action.Type{action.TypeSwap, action.TypeStake, action.TypeUnstake},
		AllowedTokens:        []string{"ETH", "AAVE", "USDC"},
		MaxSwapPercentage:    decimal.NewFromInt(50),
		MaxDailyTransactions: 5,
		DailySwapLimits: map[string]decimal.Decimal{
			"ETH":  decimal.NewFromInt(5),
			"AAVE": decimal.NewFromInt(100),
			"USDC": decimal.NewFromInt(1000),
		},
	}
}

// SwapLimit 返回 swap 金额允许的最大比例。
func (s Settings) SwapLimit() decimal.Decimal {
	return s.MaxSwapPercentage.Div(hundred)
}

// ActionAllowed 判断动作类型是否在白名单中。
func (s Settings) ActionAllowed(t action.Type) bool {
	return slices.Contains(s.AllowedActions, t)
}

// TokenAllowed 判断代币是否在白名单中，大小写不敏感。
func (s Settings) TokenAllowed(token string) bool {
	return slices.ContainsFunc(s.AllowedTokens, func(allowed string) bool {
		return strings.EqualFold(strings.TrimSpace(allowed), strings.TrimSpace(token))
	})
}

// Summary 以纯文本形式渲染配置，用于修订提示词。
func (s Settings) Summary() string {
	actions := make([]string, 0, len(s.AllowedActions))
	for _, a := range s.AllowedActions {
		actions = append(actions, string(a))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Max swap percentage: %s%%\n", s.MaxSwapPercentage.String())
	fmt.Fprintf(&b, "Allowed tokens: %s\n", strings.Join(s.AllowedTokens, ", "))
	fmt.Fprintf(&b, "Allowed actions: %s\n", strings.Join(actions, ", "))
	if s.MaxDailyTransactions > 0 {
		fmt.Fprintf(&b, "Max daily transactions: %d\n", s.MaxDailyTransactions)
	}
	if len(s.DailySwapLimits) > 0 {
		tokens := make([]string, 0, len(s.DailySwapLimits))
		for token := range s.DailySwapLimits {
			tokens = append(tokens, token)
		}
		sort.Strings(tokens)
		parts := make([]string, 0, len(tokens))
		for _, token := range tokens {
			parts = append(parts, fmt.Sprintf("%s %s", token, s.DailySwapLimits[token].String()))
		}
		fmt.Fprintf(&b, "Daily swap limits: %s\n", strings.Join(parts, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Verdict 是一次评估的结论。
type Verdict struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason"`
}

func reject(format string, args ...any) Verdict {
	return Verdict{Authorized: false, Reason: fmt.Sprintf(format, args...)}
}

// Evaluate 按固定顺序校验候选，第一个失败的检查决定拒绝原因。
func Evaluate(c *action.Candidate, s Settings) Verdict {
	if c == nil || c.Empty() {
		return Verdict{Reason: ReasonNoAction}
	}
	if missing := c.Missing(); len(missing) > 0 {
		return reject("Missing required action field: '%s'", missing[0])
	}
	if !s.ActionAllowed(c.Type) {
		return reject("Action type '%s' not allowed.", c.Type)
	}
	if c.Type == action.TypeSwap {
		if !s.TokenAllowed(c.FromToken) || !s.TokenAllowed(c.ToToken) {
			return reject("One of the tokens '%s' or '%s' is not allowed.", c.FromToken, c.ToToken)
		}
		if c.Amount.Decimal.GreaterThan(s.SwapLimit()) {
			return reject("Swap amount %s exceeds max allowed percentage (%s%%).",
				c.Amount.Decimal.String(), s.MaxSwapPercentage.String())
		}
	}
	return Verdict{Authorized: true, Reason: ReasonAuthorized}
}

// Evaluator 适配 Evaluate，便于注入。
type Evaluator interface {
	Evaluate(c *action.Candidate) Verdict
}

// Static 使用固定配置进行评估。
type Static struct {
	Settings Settings
}

// Evaluate 实现 Evaluator。
func (p Static) Evaluate(c *action.Candidate) Verdict {
	return Evaluate(c, p.Settings)
}
