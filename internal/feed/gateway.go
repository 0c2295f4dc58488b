package feed

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/pkg/logger"
)

const defaultFeedTimeout = 15 * time.Second

// Observer 接收每次数据源调用的耗时与结果。
type Observer interface {
	ObserveFeed(name string, ok bool, d time.Duration)
}

// Gateway 管理一组具名数据源。网关本身无运行期状态之外的共享数据，
// 可在并发编排之间复用。
type Gateway struct {
	order     []string
	providers map[string]Provider

	mu       sync.RWMutex
	disabled map[string]bool

	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
}

// GatewayOption 定义可选配置。
type GatewayOption func(*Gateway)

// WithFeedTimeout 设置单个数据源的超时时间。
func WithFeedTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithObserver 设置调用观察者，例如指标采集。
func WithObserver(o Observer) GatewayOption {
	return func(g *Gateway) { g.observer = o }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway 以注册顺序构造网关，重名的数据源以后注册者为准。
func NewGateway(providers []Provider, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		providers: make(map[string]Provider, len(providers)),
		disabled:  make(map[string]bool),
		timeout:   defaultFeedTimeout,
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		name := p.Name()
		if _, exists := g.providers[name]; !exists {
			g.order = append(g.order, name)
		}
		g.providers[name] = p
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.logger == nil {
		g.logger = logger.Named("feed")
	}
	return g
}

// Names 返回全部已注册数据源的名称，按注册顺序排列。
func (g *Gateway) Names() []string {
	return append([]string(nil), g.order...)
}

// Has 判断数据源是否已注册。
func (g *Gateway) Has(name string) bool {
	_, ok := g.providers[name]
	return ok
}

// Enable 打开数据源。
func (g *Gateway) Enable(name string) {
	g.mu.Lock()
	delete(g.disabled, name)
	g.mu.Unlock()
}

// Disable 关闭数据源，关闭后 Fetch 返回 ErrDisabled。
func (g *Gateway) Disable(name string) {
	g.mu.Lock()
	g.disabled[name] = true
	g.mu.Unlock()
}

// Enabled 判断数据源是否已注册且处于打开状态。
func (g *Gateway) Enabled(name string) bool {
	if !g.Has(name) {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return !g.disabled[name]
}

// Fetch 调用单个数据源。任何失败（包括超时与 panic）都以 Result.Err 返回。
func (g *Gateway) Fetch(ctx context.Context, name, query string) Result {
	provider, ok := g.providers[name]
	if !ok {
		return Result{Name: name, Err: xerrors.New(CodeUnknownFeed, fmt.Sprintf("数据源 %s 未注册", name))}
	}
	if !g.Enabled(name) {
		return Result{Name: name, Err: xerrors.New(CodeFeedDisabled, fmt.Sprintf("数据源 %s 已关闭", name))}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	value, err := g.call(fetchCtx, provider, query)
	res := Result{Name: name, Value: value, Duration: time.Since(start)}
	if err != nil {
		msg := fmt.Sprintf("数据源 %s 调用失败", name)
		if stdErrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			msg = fmt.Sprintf("数据源 %s 超时", name)
		}
		res.Err = xerrors.Wrap(CodeFeedUnavailable, err, msg)
		res.Value = ""
		g.logger.Warn("数据源不可用",
			slog.String("feed", name),
			slog.Duration("duration", res.Duration),
			slog.Any("error", err),
		)
	}
	if g.observer != nil {
		g.observer.ObserveFeed(name, res.OK(), res.Duration)
	}
	return res
}

type fetchOutcome struct {
	value string
	err   error
}

// call 在独立协程中执行数据源调用，数据源忽略 ctx 时也能按时返回。
func (g *Gateway) call(ctx context.Context, p Provider, query string) (string, error) {
	done := make(chan fetchOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchOutcome{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		value, err := p.Fetch(ctx, query)
		done <- fetchOutcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// FetchAll 并发调用所有被选中且已打开的数据源，等待全部完成后按注册顺序返回结果。
func (g *Gateway) FetchAll(ctx context.Context, sel Selection, query string) []Result {
	names := make([]string, 0, len(g.order))
	for _, name := range g.order {
		if sel.Enabled(name) && g.Enabled(name) {
			names = append(names, name)
		}
	}

	results := make([]Result, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = g.Fetch(ctx, name, query)
		}(i, name)
	}
	wg.Wait()
	return results
}
