// Package static serves curated research notes as a feed, matched by keyword
// against the trigger reason. It backs offline deployments and tests.
package static

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"Sentinel-Protocol/internal/feed"
)

// Note 是一条可供大模型引用的资料。
type Note struct {
	Title    string   `yaml:"title" json:"title"`
	Content  string   `yaml:"content" json:"content"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// Provider 从内存中的资料列表按关键词返回匹配内容。
type Provider struct {
	name       string
	notes      []Note
	maxResults int
}

// New 创建静态数据源。
func New(name string, notes []Note, maxResults int) *Provider {
	if maxResults <= 0 {
		maxResults = 3
	}
	if strings.TrimSpace(name) == "" {
		name = "research"
	}
	return &Provider{name: name, notes: notes, maxResults: maxResults}
}

// Load 从 YAML 或 JSON 文件加载资料。
func Load(name, path string, maxResults int) (*Provider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("资料文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析资料路径失败: %w", err)
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取资料文件失败: %w", err)
	}
	var notes []Note
	if err := yaml.Unmarshal(content, &notes); err != nil {
		return nil, fmt.Errorf("解析资料文件失败: %w", err)
	}
	return New(name, notes, maxResults), nil
}

// Name 实现 feed.Provider。
func (p *Provider) Name() string { return p.name }

// Fetch 返回与查询匹配的资料；没有关键词的资料总是匹配。
func (p *Provider) Fetch(_ context.Context, query string) (string, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	lines := make([]string, 0, p.maxResults)
	for _, note := range p.notes {
		if !matches(note, query) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", strings.TrimSpace(note.Title), strings.TrimSpace(note.Content)))
		if len(lines) >= p.maxResults {
			break
		}
	}
	if len(lines) == 0 {
		return "No matching notes.", nil
	}
	return strings.Join(lines, "\n"), nil
}

func matches(note Note, query string) bool {
	if len(note.Keywords) == 0 {
		return true
	}
	for _, keyword := range note.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(query, normalized) {
			return true
		}
	}
	return false
}

var _ feed.Provider = (*Provider)(nil)
