// Package metrics exposes Prometheus collectors for HTTP traffic, orchestration
// runs and feed fetches.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Sentinel-Protocol/internal/orchestrator"
)

const namespace = "sentinel"

// Registry 持有全部指标及其注册表。
type Registry struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	runs        *prometheus.CounterVec
	runAttempts prometheus.Histogram
	runDuration *prometheus.HistogramVec

	feedFetches  *prometheus.CounterVec
	feedDuration *prometheus.HistogramVec
}

// New 创建独立的注册表，并附带 Go 运行时与进程指标。
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"handler", "method"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestration_runs_total",
			Help:      "Orchestration runs by terminal state.",
		}, []string{"state"}),
		runAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestration_attempts",
			Help:      "Attempts used per orchestration run.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestration_duration_seconds",
			Help:      "Wall time of orchestration runs.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"state"}),
		feedFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_fetches_total",
			Help:      "Feed fetches by feed and outcome.",
		}, []string{"feed", "outcome"}),
		feedDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_fetch_duration_seconds",
			Help:      "Feed fetch latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"feed"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests, r.httpErrors, r.httpDuration,
		r.runs, r.runAttempts, r.runDuration,
		r.feedFetches, r.feedDuration,
	)
	return r
}

// Gatherer 返回底层注册表，便于测试读取。
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.httpErrors.WithLabelValues(handler, method).Inc()
	}
	r.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveRun 实现 orchestrator.Observer。
func (r *Registry) ObserveRun(state orchestrator.State, attempts int, duration time.Duration) {
	r.runs.WithLabelValues(string(state)).Inc()
	r.runAttempts.Observe(float64(attempts))
	r.runDuration.WithLabelValues(string(state)).Observe(duration.Seconds())
}

// ObserveFeed 实现 feed.Observer。
func (r *Registry) ObserveFeed(name string, ok bool, duration time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	r.feedFetches.WithLabelValues(name, outcome).Inc()
	r.feedDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// Handler 以 Prometheus 文本格式输出指标。
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// StartServer 在独立端口上暴露 /metrics。
func (r *Registry) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
