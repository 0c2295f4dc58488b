package action

import (
	"bytes"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformed 表示大模型输出无法解析为动作候选。
var ErrMalformed = stdErrors.New("malformed action proposal")

// Parse 把大模型返回的文本解析为规范的 Candidate。
// 缺失字段不会导致解析失败，由策略校验负责拒绝；
// 非 JSON 对象或字段类型错误才会返回 ErrMalformed。
func Parse(text string) (*Candidate, error) {
	body := StripFences(text)
	if body == "" {
		return nil, fmt.Errorf("%w: empty output", ErrMalformed)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	// 兼容 {"action": {...}} 包裹形式。
	if inner, ok := raw["action"]; ok {
		if _, hasType := raw[string(FieldType)]; !hasType {
			var unwrapped map[string]json.RawMessage
			if err := json.Unmarshal(inner, &unwrapped); err == nil && unwrapped != nil {
				raw = unwrapped
			}
		}
	}

	return decodeObject(raw)
}

func decodeObject(raw map[string]json.RawMessage) (*Candidate, error) {
	c := &Candidate{}
	var err error
	if c.Type, err = decodeType(raw); err != nil {
		return nil, err
	}
	if c.FromToken, err = decodeString(raw, FieldFromToken); err != nil {
		return nil, err
	}
	if c.ToToken, err = decodeString(raw, FieldToToken); err != nil {
		return nil, err
	}
	c.FromToken = strings.ToUpper(c.FromToken)
	c.ToToken = strings.ToUpper(c.ToToken)
	if c.Amount, err = decodeAmount(raw); err != nil {
		return nil, err
	}
	if c.Unit, err = decodeString(raw, FieldUnit); err != nil {
		return nil, err
	}
	if c.Reason, err = decodeString(raw, FieldReason); err != nil {
		return nil, err
	}
	if c.Timestamp, err = decodeTimestamp(raw); err != nil {
		return nil, err
	}
	return c, nil
}

// StripFences 去掉 Markdown 代码块标记。
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// 首行可能是语言标记，例如 json。
		if lang := strings.TrimSpace(s[:idx]); !strings.ContainsAny(lang, "{[") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || string(bytes.TrimSpace(v)) == "null"
}

func decodeString(raw map[string]json.RawMessage, f Field) (string, error) {
	v, ok := raw[string(f)]
	if !ok || isNull(v) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("%w: field %q must be a string", ErrMalformed, f)
	}
	return strings.TrimSpace(s), nil
}

func decodeType(raw map[string]json.RawMessage) (Type, error) {
	s, err := decodeString(raw, FieldType)
	if err != nil {
		return "", err
	}
	return Type(strings.ToLower(s)), nil
}

func decodeAmount(raw map[string]json.RawMessage) (decimal.NullDecimal, error) {
	v, ok := raw[string(FieldAmount)]
	if !ok || isNull(v) {
		return decimal.NullDecimal{}, nil
	}
	trimmed := bytes.TrimSpace(v)
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return decimal.NullDecimal{}, fmt.Errorf("%w: field %q", ErrMalformed, FieldAmount)
		}
		s = strings.TrimSpace(s)
		if strings.HasSuffix(s, "%") {
			return decimal.NullDecimal{}, fmt.Errorf("%w: field %q must be numeric", ErrMalformed, FieldAmount)
		}
		if s == "" {
			return decimal.NullDecimal{}, nil
		}
		trimmed = []byte(s)
	}
	d, err := decimal.NewFromString(string(trimmed))
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%w: field %q must be numeric", ErrMalformed, FieldAmount)
	}
	return decimal.NewNullDecimal(d), nil
}

func decodeTimestamp(raw map[string]json.RawMessage) (int64, error) {
	v, ok := raw[string(FieldTimestamp)]
	if !ok || isNull(v) {
		return 0, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return numberToMillis(n)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("%w: field %q", ErrMalformed, FieldTimestamp)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return numberToMillis(json.Number(s))
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("%w: field %q is not a timestamp", ErrMalformed, FieldTimestamp)
	}
	return ts.UnixMilli(), nil
}

func numberToMillis(n json.Number) (int64, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: field %q", ErrMalformed, FieldTimestamp)
	}
	return int64(f), nil
}
