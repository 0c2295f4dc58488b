package trigger

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerJSONShape(t *testing.T) {
	var tr Trigger
	require.NoError(t, json.Unmarshal([]byte(`{"triggerReason":"rebalance","portfolio":{"eth":2,"AAVE":50,"USDC":"1000"}}`), &tr))

	tr = tr.Normalize()
	assert.Equal(t, "rebalance", tr.Reason)
	assert.Equal(t, []string{"AAVE", "ETH", "USDC"}, tr.Portfolio.Symbols())
	assert.Equal(t, "AAVE: 50, ETH: 2, USDC: 1000", tr.Portfolio.String())

	out, err := json.Marshal(tr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"triggerReason":"rebalance","portfolio":{"AAVE":50,"ETH":2,"USDC":1000}}`, string(out))
}

func TestNormalizeDefaultsReason(t *testing.T) {
	tr := Trigger{}.Normalize()
	assert.Equal(t, DefaultReason, tr.Reason)
	assert.NotNil(t, tr.Portfolio)
}

func TestValidateRejectsNegativeHoldings(t *testing.T) {
	tr := Trigger{Reason: "x", Portfolio: Portfolio{"ETH": decimal.NewFromInt(-1)}}
	require.Error(t, tr.Validate())
	require.NoError(t, Trigger{Reason: "x"}.Validate())
}
