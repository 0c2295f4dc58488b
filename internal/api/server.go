package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"Sentinel-Protocol/internal/auth"
	"Sentinel-Protocol/internal/event"
	"Sentinel-Protocol/internal/observability/metrics"
	"Sentinel-Protocol/internal/orchestrator"
	"Sentinel-Protocol/internal/task"
	"Sentinel-Protocol/internal/trigger"
	"Sentinel-Protocol/pkg/logger"
)

// Runner 执行一次完整编排。
type Runner interface {
	Run(ctx context.Context, trig trigger.Trigger, sink event.Sink) (*orchestrator.Result, error)
}

// TaskService 是异步触发接口依赖的任务服务。
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// Server 负责暴露 REST 与流式接口。
type Server struct {
	addr            string
	runner          Runner
	tasks           TaskService
	auth            *auth.Service
	metrics         *metrics.Registry
	origins         []string
	shutdownTimeout time.Duration
	logger          *slog.Logger
	router          chi.Router
}

// Option 定义可选配置。
type Option func(*Server)

// WithTasks 启用异步触发接口。
func WithTasks(svc TaskService) Option {
	return func(s *Server) { s.tasks = svc }
}

// WithAuth 为 /api/v1 启用 API 密钥认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetrics 启用 HTTP 指标与 /metrics。
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Server) { s.metrics = reg }
}

// WithAllowedOrigins 设置 CORS 允许的来源。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithShutdownTimeout 设置优雅退出的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runner Runner, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		runner:          runner,
		origins:         []string{"*"},
		shutdownTimeout: 10 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware(routePattern))
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(map[string][]string{"*": {auth.PermissionOrchestrate}}))
			r.Post("/orchestrate", s.handleOrchestrate)
			r.Post("/orchestrate/stream", s.handleStream)
			r.Get("/orchestrate/ws", s.handleWebSocket)
		})

		r.Route("/triggers", func(r chi.Router) {
			r.Use(s.auth.Require(map[string][]string{
				http.MethodPost: {auth.PermissionTriggersWrite},
				"*":             {auth.PermissionTriggersRead},
			}))
			r.Use(s.requireTasks)
			r.Post("/", s.handleSubmitTrigger)
			r.Get("/", s.handleListTriggers)
			r.Get("/stats", s.handleTriggerStats)
			r.Get("/{id}", s.handleTriggerDetail)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger 记录每个请求的方法、路由、状态码与耗时。
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP 请求",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) requireTasks(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tasks == nil {
			writeError(w, http.StatusServiceUnavailable, "任务服务未启用")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
