package feed

import (
	"context"
	"time"

	xerrors "Sentinel-Protocol/internal/errors"
)

const (
	// Price、News、Reputation 是内置数据源的名称。
	Price      = "price"
	News       = "news"
	Reputation = "reputation"
)

const (
	CodeFeedUnavailable xerrors.Code = "FEED_UNAVAILABLE"
	CodeUnknownFeed     xerrors.Code = "FEED_UNKNOWN"
	CodeFeedDisabled    xerrors.Code = "FEED_DISABLED"
)

var (
	// ErrUnavailable 表示数据源调用失败或超时。
	ErrUnavailable = xerrors.New(CodeFeedUnavailable, "")
	// ErrUnknownFeed 表示网关中不存在该数据源。
	ErrUnknownFeed = xerrors.New(CodeUnknownFeed, "")
	// ErrDisabled 表示数据源已被关闭。
	ErrDisabled = xerrors.New(CodeFeedDisabled, "")
)

func init() {
	xerrors.Register(CodeFeedUnavailable, xerrors.Attributes{
		Message:   "feed unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeUnknownFeed, xerrors.Attributes{
		Message:  "unknown feed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeFeedDisabled, xerrors.Attributes{
		Message:  "feed disabled",
		Severity: xerrors.SeverityInfo,
	})
}

// Provider 是单个外部数据源。
type Provider interface {
	Name() string
	Fetch(ctx context.Context, query string) (string, error)
}

// ProviderFunc 允许用函数构造 Provider，常用于测试。
type ProviderFunc struct {
	ID string
	Fn func(ctx context.Context, query string) (string, error)
}

// Name 实现 Provider。
func (p ProviderFunc) Name() string { return p.ID }

// Fetch 实现 Provider。
func (p ProviderFunc) Fetch(ctx context.Context, query string) (string, error) {
	return p.Fn(ctx, query)
}

// Result 是一次数据源调用的结果，失败时 Err 非空。
type Result struct {
	Name     string        `json:"name"`
	Value    string        `json:"value,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// OK 判断调用是否成功。
func (r Result) OK() bool { return r.Err == nil }
