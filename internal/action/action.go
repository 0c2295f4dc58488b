package action

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Type 表示动作类型。
type Type string

const (
	TypeSwap    Type = "swap"
	TypeStake   Type = "stake"
	TypeUnstake Type = "unstake"
)

// Known 判断动作类型是否为系统支持的枚举值。
func (t Type) Known() bool {
	switch t {
	case TypeSwap, TypeStake, TypeUnstake:
		return true
	default:
		return false
	}
}

// Field 是动作候选的字段名，与 JSON 键一致。
type Field string

const (
	FieldType      Field = "type"
	FieldFromToken Field = "fromToken"
	FieldToToken   Field = "toToken"
	FieldAmount    Field = "amount"
	FieldUnit      Field = "unit"
	FieldReason    Field = "reason"
	FieldTimestamp Field = "timestamp"
)

// RequiredFields 按校验顺序列出必填字段。
var RequiredFields = []Field{
	FieldType, FieldFromToken, FieldToToken, FieldAmount, FieldUnit, FieldReason, FieldTimestamp,
}

// Candidate 是一次迭代中由大模型提出的唯一动作候选。
// 每次迭代产生新的实例，已有实例不会被修改。
type Candidate struct {
	Type      Type                `json:"type"`
	FromToken string              `json:"fromToken"`
	ToToken   string              `json:"toToken"`
	Amount    decimal.NullDecimal `json:"amount"`
	Unit      string              `json:"unit"`
	Reason    string              `json:"reason"`
	Timestamp int64               `json:"timestamp"`
}

// Has 判断某个字段是否已填写。空字符串、缺失金额与零时间戳均视为未填写。
func (c *Candidate) Has(f Field) bool {
	if c == nil {
		return false
	}
	switch f {
	case FieldType:
		return strings.TrimSpace(string(c.Type)) != ""
	case FieldFromToken:
		return strings.TrimSpace(c.FromToken) != ""
	case FieldToToken:
		return strings.TrimSpace(c.ToToken) != ""
	case FieldAmount:
		return c.Amount.Valid
	case FieldUnit:
		return strings.TrimSpace(c.Unit) != ""
	case FieldReason:
		return strings.TrimSpace(c.Reason) != ""
	case FieldTimestamp:
		return c.Timestamp != 0
	default:
		return false
	}
}

// Missing 返回缺失的必填字段，顺序与 RequiredFields 一致。
func (c *Candidate) Missing() []Field {
	var missing []Field
	for _, f := range RequiredFields {
		if !c.Has(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// Empty 判断候选是否没有任何字段被填写。
func (c *Candidate) Empty() bool {
	return len(c.Missing()) == len(RequiredFields)
}

// Clone 返回候选的副本。
func (c *Candidate) Clone() *Candidate {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

type wireCandidate struct {
	Type      Type            `json:"type,omitempty"`
	FromToken string          `json:"fromToken,omitempty"`
	ToToken   string          `json:"toToken,omitempty"`
	Amount    json.RawMessage `json:"amount,omitempty"`
	Unit      string          `json:"unit,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// MarshalJSON 以数字形式输出金额。
func (c Candidate) MarshalJSON() ([]byte, error) {
	w := wireCandidate{
		Type:      c.Type,
		FromToken: c.FromToken,
		ToToken:   c.ToToken,
		Unit:      c.Unit,
		Reason:    c.Reason,
		Timestamp: c.Timestamp,
	}
	if c.Amount.Valid {
		w.Amount = json.RawMessage(c.Amount.Decimal.String())
	}
	return json.Marshal(w)
}

// UnmarshalJSON 与 Parse 使用同一套宽松解码规则。
func (c *Candidate) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := decodeObject(raw)
	if err != nil {
		return err
	}
	*c = *decoded
	return nil
}
