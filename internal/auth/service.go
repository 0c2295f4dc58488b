package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"strings"

	"Sentinel-Protocol/pkg/logger"
)

// Service 校验 API 密钥。
type Service struct {
	mode  Mode
	keys  []storedKey
	audit *slog.Logger
}

type storedKey struct {
	name        string
	digest      [sha256.Size]byte
	permissions []string
}

// Option 定义 Service 的可选配置。
type Option func(*Service)

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.audit = l
		}
	}
}

// NewService 按配置构造认证服务。只保存密钥摘要。
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{mode: cfg.Mode, audit: logger.Audit()}
	if s.mode == "" {
		s.mode = ModeDisabled
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, k := range cfg.Keys {
		perms := k.Permissions
		if len(perms) == 0 {
			perms = []string{PermissionAll}
		}
		s.keys = append(s.keys, storedKey{
			name:        strings.TrimSpace(k.Name),
			digest:      sha256.Sum256([]byte(strings.TrimSpace(k.Token))),
			permissions: append([]string(nil), perms...),
		})
	}
	return s, nil
}

// Enabled 判断是否要求认证。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// Authenticate 根据明文密钥查找调用方。
func (s *Service) Authenticate(token string) (*Subject, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *storedKey
	for i := range s.keys {
		// 遍历全部密钥，耗时与命中位置无关。
		if subtle.ConstantTimeCompare(digest[:], s.keys[i].digest[:]) == 1 {
			match = &s.keys[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	subject := &Subject{Name: match.name, Permissions: append([]string(nil), match.permissions...)}
	subject.normalise()
	return subject, nil
}

// AuthenticateHeader 解析 Authorization 头，接受 "Bearer <key>" 格式。
func (s *Service) AuthenticateHeader(header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, ErrInvalidToken
	}
	return s.Authenticate(token)
}
