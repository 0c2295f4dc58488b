// Package price implements the price feed on top of the CoinGecko simple
// price endpoint.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"Sentinel-Protocol/internal/feed"
)

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"
	defaultTimeout = 10 * time.Second
)

// DefaultCoins 是代币符号到 CoinGecko coin ID 的默认映射。
var DefaultCoins = map[string]string{
	"ETH":   "ethereum",
	"AAVE":  "aave",
	"USDC":  "usd-coin",
	"MATIC": "matic-network",
	"DOGE":  "dogecoin",
}

// Config 描述 CoinGecko 访问参数。
type Config struct {
	BaseURL string
	APIKey  string
	Coins   map[string]string
	Timeout time.Duration
}

// Provider 通过 CoinGecko 获取美元报价。
type Provider struct {
	baseURL    string
	apiKey     string
	coins      map[string]string
	httpClient *http.Client
}

// New 创建价格数据源。
func New(cfg Config) *Provider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	coins := cfg.Coins
	if len(coins) == 0 {
		coins = DefaultCoins
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	normalized := make(map[string]string, len(coins))
	for symbol, id := range coins {
		normalized[strings.ToUpper(strings.TrimSpace(symbol))] = strings.TrimSpace(id)
	}
	return &Provider{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		coins:      normalized,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name 实现 feed.Provider。
func (p *Provider) Name() string { return feed.Price }

// Fetch 查询全部配置代币的美元价格，每行一个代币。
func (p *Provider) Fetch(ctx context.Context, _ string) (string, error) {
	symbols := make([]string, 0, len(p.coins))
	ids := make([]string, 0, len(p.coins))
	for symbol, id := range p.coins {
		symbols = append(symbols, symbol)
		ids = append(ids, id)
	}
	sort.Strings(symbols)
	sort.Strings(ids)

	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", "usd")
	endpoint := p.baseURL + "/simple/price?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("构建 CoinGecko 请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求 CoinGecko 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("CoinGecko 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析 CoinGecko 响应失败: %w", err)
	}

	lines := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		id := p.coins[symbol]
		quote, ok := decoded[id]["usd"]
		if !ok {
			lines = append(lines, fmt.Sprintf("No data found for %s", id))
			continue
		}
		lines = append(lines, fmt.Sprintf("Price of %s (%s): $%s", id, symbol, quote.String()))
	}
	if len(decoded) == 0 {
		return "", errors.New("CoinGecko 未返回任何报价")
	}
	return strings.Join(lines, "\n"), nil
}

var _ feed.Provider = (*Provider)(nil)
