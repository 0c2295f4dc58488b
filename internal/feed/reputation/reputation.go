// Package reputation implements the reputation feed on top of the on-chain
// reputation registry contract.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"Sentinel-Protocol/internal/feed"
)

// RegistryABI 是本数据源读取的合约接口子集：getAllTokens 返回代币列表，
// getScores 返回市场稳定性、基本面、风险集中度与综合信誉四项分数。
const RegistryABI = `[
  {"type":"function","name":"getAllTokens","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"string[]"}]},
  {"type":"function","name":"getScores","stateMutability":"view",
   "inputs":[{"name":"token","type":"string"}],
   "outputs":[{"name":"market","type":"uint256"},{"name":"fundamental","type":"uint256"},
              {"name":"risk","type":"uint256"},{"name":"reputation","type":"uint256"}]}
]`

// scoreExponent 还原合约 1e6 的定点缩放。
const scoreExponent = -6

// Caller 是只读合约调用所需的 ethclient.Client 子集。
type Caller interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config 描述信誉合约的位置。
type Config struct {
	RPCURL          string
	ContractAddress string
	// Tokens 限定查询的代币，为空时查询合约记录的全部代币。
	Tokens []string
}

// Scores 是单个代币解码后的分数。
type Scores struct {
	Token       string
	Market      decimal.Decimal
	Fundamental decimal.Decimal
	Risk        decimal.Decimal
	Reputation  decimal.Decimal
}

// String 按提供给决策模型的格式输出分数。
func (s Scores) String() string {
	return fmt.Sprintf("%s → Market: %s, Fundamental: %s, Risk: %s, Reputation: %s",
		s.Token, s.Market.StringFixed(2), s.Fundamental.StringFixed(2), s.Risk.StringFixed(2), s.Reputation.StringFixed(2))
}

// Provider 通过信誉合约实现 feed.Provider。
type Provider struct {
	caller  Caller
	address common.Address
	abi     abi.ABI
	tokens  []string
	closer  func()
}

// Dial 连接配置的 RPC 节点并创建数据源。
func Dial(ctx context.Context, cfg Config) (*Provider, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置信誉合约 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	p, err := New(eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	p.closer = eth.Close
	return p, nil
}

// New 基于已有的调用客户端创建数据源。
func New(caller Caller, cfg Config) (*Provider, error) {
	if caller == nil {
		return nil, errors.New("合约调用客户端不能为空")
	}
	addr := strings.TrimSpace(cfg.ContractAddress)
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("无效的信誉合约地址: %q", cfg.ContractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("解析信誉合约 ABI 失败: %w", err)
	}
	return &Provider{
		caller:  caller,
		address: common.HexToAddress(addr),
		abi:     parsed,
		tokens:  cfg.Tokens,
	}, nil
}

// Name 实现 feed.Provider。
func (p *Provider) Name() string { return feed.Reputation }

// Close 释放 Dial 建立的 RPC 连接。
func (p *Provider) Close() {
	if p != nil && p.closer != nil {
		p.closer()
		p.closer = nil
	}
}

// Fetch 实现 feed.Provider，每行一个代币。
func (p *Provider) Fetch(ctx context.Context, _ string) (string, error) {
	tokens := p.tokens
	if len(tokens) == 0 {
		var err error
		if tokens, err = p.AllTokens(ctx); err != nil {
			return "", err
		}
	}
	if len(tokens) == 0 {
		return "No tokens found on the contract.", nil
	}

	lines := make([]string, 0, len(tokens))
	for _, token := range tokens {
		scores, err := p.Scores(ctx, token)
		if err != nil {
			return "", err
		}
		lines = append(lines, scores.String())
	}
	return strings.Join(lines, "\n"), nil
}

// AllTokens 返回合约记录的全部代币。
func (p *Provider) AllTokens(ctx context.Context) ([]string, error) {
	out, err := p.call(ctx, "getAllTokens")
	if err != nil {
		return nil, err
	}
	tokens, ok := out[0].([]string)
	if !ok {
		return nil, fmt.Errorf("getAllTokens 返回了意外的类型 %T", out[0])
	}
	return tokens, nil
}

// Scores 返回单个代币解码后的分数。
func (p *Provider) Scores(ctx context.Context, token string) (Scores, error) {
	out, err := p.call(ctx, "getScores", token)
	if err != nil {
		return Scores{}, err
	}
	if len(out) != 4 {
		return Scores{}, fmt.Errorf("getScores 返回了 %d 个值", len(out))
	}
	values := make([]decimal.Decimal, 4)
	for i, v := range out {
		n, ok := v.(*big.Int)
		if !ok {
			return Scores{}, fmt.Errorf("getScores 第 %d 个返回值类型为 %T", i, v)
		}
		values[i] = decimal.NewFromBigInt(n, scoreExponent)
	}
	return Scores{
		Token:       token,
		Market:      values[0],
		Fundamental: values[1],
		Risk:        values[2],
		Reputation:  values[3],
	}, nil
}

func (p *Provider) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := p.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	to := p.address
	raw, err := p.caller.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	out, err := p.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s 没有返回值", method)
	}
	return out, nil
}

var _ feed.Provider = (*Provider)(nil)
