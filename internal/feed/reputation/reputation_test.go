package reputation

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

// fakeRegistry answers eth_call requests the way the deployed registry does.
type fakeRegistry struct {
	t      *testing.T
	abi    abi.ABI
	scores map[string][4]int64
	calls  int
	fail   error
}

func newFakeRegistry(t *testing.T, scores map[string][4]int64) *fakeRegistry {
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	require.NoError(t, err)
	return &fakeRegistry{t: t, abi: parsed, scores: scores}
}

func (f *fakeRegistry) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	require.NotNil(f.t, msg.To)
	assert.Equal(f.t, strings.ToLower(registryAddr), strings.ToLower(msg.To.Hex()))

	all := f.abi.Methods["getAllTokens"]
	get := f.abi.Methods["getScores"]
	switch {
	case bytes.Equal(msg.Data[:4], all.ID):
		tokens := make([]string, 0, len(f.scores))
		for _, name := range []string{"ETH", "AAVE", "USDC"} {
			if _, ok := f.scores[name]; ok {
				tokens = append(tokens, name)
			}
		}
		return all.Outputs.Pack(tokens)
	case bytes.Equal(msg.Data[:4], get.ID):
		args, err := get.Inputs.Unpack(msg.Data[4:])
		require.NoError(f.t, err)
		s := f.scores[args[0].(string)]
		return get.Outputs.Pack(big.NewInt(s[0]), big.NewInt(s[1]), big.NewInt(s[2]), big.NewInt(s[3]))
	}
	return nil, errors.New("unknown selector")
}

func TestFetchAllTokens(t *testing.T) {
	reg := newFakeRegistry(t, map[string][4]int64{
		"ETH":  {812345, 900000, 150000, 870000},
		"AAVE": {640000, 720500, 310000, 655000},
	})
	p, err := New(reg, Config{ContractAddress: registryAddr})
	require.NoError(t, err)

	out, err := p.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t,
		"ETH → Market: 0.81, Fundamental: 0.90, Risk: 0.15, Reputation: 0.87\n"+
			"AAVE → Market: 0.64, Fundamental: 0.72, Risk: 0.31, Reputation: 0.66",
		out)
	assert.Equal(t, 3, reg.calls)
}

func TestFetchConfiguredTokensSkipsEnumeration(t *testing.T) {
	reg := newFakeRegistry(t, map[string][4]int64{"USDC": {1000000, 1000000, 0, 990000}})
	p, err := New(reg, Config{ContractAddress: registryAddr, Tokens: []string{"USDC"}})
	require.NoError(t, err)

	scores, err := p.Scores(context.Background(), "USDC")
	require.NoError(t, err)
	assert.Equal(t, "1", scores.Market.String())

	out, err := p.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "USDC → Market: 1.00, Fundamental: 1.00, Risk: 0.00, Reputation: 0.99", out)
	assert.Equal(t, 2, reg.calls)
}

func TestFetchEmptyRegistry(t *testing.T) {
	p, err := New(newFakeRegistry(t, nil), Config{ContractAddress: registryAddr})
	require.NoError(t, err)
	out, err := p.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "No tokens found on the contract.", out)
}

func TestFetchCallFailure(t *testing.T) {
	reg := newFakeRegistry(t, nil)
	reg.fail = errors.New("execution reverted")
	p, err := New(reg, Config{ContractAddress: registryAddr})
	require.NoError(t, err)

	_, err = p.Fetch(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution reverted")
}

func TestNewRejectsBadAddress(t *testing.T) {
	_, err := New(newFakeRegistry(t, nil), Config{ContractAddress: "not-an-address"})
	require.Error(t, err)
	_, err = Dial(context.Background(), Config{})
	require.Error(t, err)
}
