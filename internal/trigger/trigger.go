// Package trigger defines the event that starts one orchestration run.
package trigger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "Sentinel-Protocol/internal/errors"
)

// DefaultReason 在外部未提供原因时使用。
const DefaultReason = "Scheduled trigger"

// Portfolio 是代币符号到持仓数量的映射。
type Portfolio map[string]decimal.Decimal

// MarshalJSON 以数字形式输出持仓。
func (p Portfolio) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p))
	for token, amount := range p {
		out[token] = json.RawMessage(amount.String())
	}
	return json.Marshal(out)
}

// Symbols 返回按字母序排列的代币符号。
func (p Portfolio) Symbols() []string {
	symbols := make([]string, 0, len(p))
	for s := range p {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// String 以 "ETH: 2, USDC: 1000" 形式渲染持仓。
func (p Portfolio) String() string {
	parts := make([]string, 0, len(p))
	for _, s := range p.Symbols() {
		parts = append(parts, fmt.Sprintf("%s: %s", s, p[s].String()))
	}
	return strings.Join(parts, ", ")
}

// Trigger 是一次编排的输入，在编排期间不可修改。
type Trigger struct {
	Reason    string    `json:"triggerReason"`
	Portfolio Portfolio `json:"portfolio"`
}

// Normalize 去除空白、统一代币符号大小写，并补齐默认原因。
func (t Trigger) Normalize() Trigger {
	out := Trigger{Reason: strings.TrimSpace(t.Reason), Portfolio: make(Portfolio, len(t.Portfolio))}
	if out.Reason == "" {
		out.Reason = DefaultReason
	}
	for token, amount := range t.Portfolio {
		out.Portfolio[strings.ToUpper(strings.TrimSpace(token))] = amount
	}
	return out
}

// Validate 检查持仓数量是否合法。
func (t Trigger) Validate() error {
	for token, amount := range t.Portfolio {
		if strings.TrimSpace(token) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "持仓代币符号不能为空")
		}
		if amount.IsNegative() {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("持仓 %s 数量不能为负数", token))
		}
	}
	return nil
}
