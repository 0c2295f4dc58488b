package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"
)

// statusRecorder 记录响应状态码，同时保留 Flusher 与 Hijacker 能力，
// 以免破坏 SSE 与 WebSocket。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Middleware 记录请求指标。label 在请求处理完成后调用，可读取路由模板。
func (r *Registry) Middleware(label func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, req)
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			handler := req.URL.Path
			if label != nil {
				if l := label(req); l != "" {
					handler = l
				}
			}
			r.ObserveHTTPRequest(handler, req.Method, status, time.Since(start))
		})
	}
}
