// Package news implements the news feed on top of the NewsAPI everything
// endpoint.
package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"Sentinel-Protocol/internal/feed"
)

const (
	defaultBaseURL  = "https://newsapi.org/v2"
	defaultPageSize = 5
	maxPageSize     = 10
	defaultTimeout  = 10 * time.Second
)

// Config 描述 NewsAPI 访问参数。
type Config struct {
	BaseURL  string
	APIKey   string
	Keywords []string
	PageSize int
	Timeout  time.Duration
}

// Provider 拉取与配置关键词相关的最新新闻标题。
type Provider struct {
	baseURL    string
	apiKey     string
	keywords   []string
	pageSize   int
	httpClient *http.Client
}

// New 创建新闻数据源。
func New(cfg Config) *Provider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	keywords := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	if len(keywords) == 0 {
		keywords = []string{"ethereum", "aave"}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Provider{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		keywords:   keywords,
		pageSize:   pageSize,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name 实现 feed.Provider。
func (p *Provider) Name() string { return feed.News }

type response struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Articles []struct {
		Title  string `json:"title"`
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

// Fetch 返回编号的新闻标题列表，例如 "1. Title (Source)"。
func (p *Provider) Fetch(ctx context.Context, _ string) (string, error) {
	query := url.Values{}
	query.Set("q", strings.Join(p.keywords, " OR "))
	query.Set("pageSize", strconv.Itoa(p.pageSize))
	query.Set("sortBy", "publishedAt")
	endpoint := p.baseURL + "/everything?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("构建 NewsAPI 请求失败: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("X-Api-Key", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求 NewsAPI 失败: %w", err)
	}
	defer resp.Body.Close()

	var decoded response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析 NewsAPI 响应失败 (status %d): %w", resp.StatusCode, err)
	}
	if decoded.Status != "ok" {
		return "", fmt.Errorf("NewsAPI error: %s", decoded.Message)
	}
	if len(decoded.Articles) == 0 {
		return "No articles found.", nil
	}

	var b strings.Builder
	for i, a := range decoded.Articles {
		if i >= p.pageSize {
			break
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s (%s)", i+1, strings.TrimSpace(a.Title), a.Source.Name)
	}
	return b.String(), nil
}

var _ feed.Provider = (*Provider)(nil)
