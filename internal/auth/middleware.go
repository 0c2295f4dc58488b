package auth

import (
	"errors"
	"net/http"
)

// QueryToken 是浏览器 WebSocket 无法设置请求头时使用的查询参数。
const QueryToken = "access_token"

// Require 返回要求指定权限的中间件。permissions 按 HTTP 方法配置，"*" 为缺省项。
func (s *Service) Require(permissions map[string][]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			var (
				subject *Subject
				err     error
			)
			if header == "" && r.URL.Query().Get(QueryToken) != "" {
				subject, err = s.Authenticate(r.URL.Query().Get(QueryToken))
			} else {
				subject, err = s.AuthenticateHeader(header)
			}
			if err == nil {
				perms := permissions[r.Method]
				if len(perms) == 0 {
					perms = permissions["*"]
				}
				err = subject.Authorize(perms...)
			}
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrPermissionDenied) {
					status = http.StatusForbidden
				}
				s.audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				w.Header().Set("Content-Type", "application/json")
				if status == http.StatusUnauthorized {
					w.Header().Set("WWW-Authenticate", `Bearer realm="sentinel"`)
				}
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"success":false,"error":"` + http.StatusText(status) + `"}` + "\n"))
				return
			}
			s.audit.Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"caller", subject.Name,
			)
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}
