// Package auth guards the HTTP API with static API keys and per-route
// permissions.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// 认证子系统返回的通用错误。
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid api key")
	ErrPermissionDenied = errors.New("permission denied")
)

// Mode 控制 API 是否要求认证。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
)

// 接口使用的权限。
const (
	PermissionAll           = "*"
	PermissionOrchestrate   = "orchestrate"
	PermissionTriggersRead  = "triggers:read"
	PermissionTriggersWrite = "triggers:write"
)

// Key 是一条静态配置的 API 密钥。
type Key struct {
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token"`
	Permissions []string `yaml:"permissions"`
}

// Config 描述认证配置。
type Config struct {
	Mode Mode  `yaml:"mode"`
	Keys []Key `yaml:"keys"`
}

// Validate 校验认证配置。
func (c Config) Validate() error {
	switch c.Mode {
	case "", ModeDisabled:
		return nil
	case ModeAPIKey:
	default:
		return fmt.Errorf("不支持的认证模式: %q", c.Mode)
	}
	if len(c.Keys) == 0 {
		return errors.New("api_key 模式至少需要一个密钥")
	}
	var errs []error
	seen := make(map[string]struct{}, len(c.Keys))
	for i, k := range c.Keys {
		name := strings.TrimSpace(k.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("第 %d 个密钥缺少名称", i+1))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("密钥名称重复: %s", name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(k.Token) == "" {
			errs = append(errs, fmt.Errorf("密钥 %s 缺少 token", name))
		}
	}
	return errors.Join(errs...)
}

// Subject 是通过认证的调用方，随请求上下文传递。
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, p := range s.Permissions {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			s.permissionsSet[p] = struct{}{}
		}
	}
}

// Has 判断是否具备某个权限，"*" 匹配所有权限。
func (s *Subject) Has(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermissionAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(permission)]
	return ok
}

// Authorize 要求具备全部给定权限。
func (s *Subject) Authorize(permissions ...string) error {
	for _, p := range permissions {
		if !s.Has(p) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, p)
		}
	}
	return nil
}
