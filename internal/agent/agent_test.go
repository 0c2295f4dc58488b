package agent

import (
	"context"
	stdErrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Sentinel-Protocol/internal/action"
	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/internal/feed"
	"Sentinel-Protocol/internal/llm"
	"Sentinel-Protocol/internal/trigger"
)

var allFeeds = []string{feed.Price, feed.News, feed.Reputation}

func reply(text string) llm.Client {
	return llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: text, Model: "stub"}, nil
	})
}

func sampleTrigger() trigger.Trigger {
	return trigger.Trigger{
		Reason:    "ETH dropped 8% in one hour",
		Portfolio: trigger.Portfolio{"ETH": decimal.NewFromInt(2), "AAVE": decimal.NewFromInt(50)},
	}
}

func TestSelectorAcceptsNestedAndFlatShapes(t *testing.T) {
	cases := map[string]string{
		"nested": `{"feeds": {"price": true, "news": false, "reputation": true}}`,
		"flat":   `{"priceFeed": true, "newsFeed": false, "reputationFeed": true}`,
		"fenced": "```json\n{\"news\": false}\n```",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			sel := NewFeedSelector(reply(text)).Select(context.Background(), SelectionRequest{Feeds: allFeeds})
			assert.True(t, sel.Enabled(feed.Price))
			assert.False(t, sel.Enabled(feed.News))
			assert.True(t, sel.Enabled(feed.Reputation))
		})
	}
}

func TestSelectorFailsOpen(t *testing.T) {
	failing := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, stdErrors.New("boom")
	})
	for name, client := range map[string]llm.Client{
		"error":    failing,
		"garbage":  reply("I think you should refresh the news"),
		"null":     reply("null"),
		"no-model": nil,
	} {
		t.Run(name, func(t *testing.T) {
			sel := NewFeedSelector(client).Select(context.Background(), SelectionRequest{Feeds: allFeeds})
			assert.Equal(t, allFeeds, sortedLike(sel.Names()))
		})
	}
}

func TestSelectorIgnoresUnknownNamesAndNonBooleans(t *testing.T) {
	sel := NewFeedSelector(reply(`{"weather": false, "price": "no", "news": false}`)).
		Select(context.Background(), SelectionRequest{Feeds: allFeeds})
	assert.True(t, sel.Enabled(feed.Price))
	assert.False(t, sel.Enabled(feed.News))
	assert.True(t, sel.Enabled(feed.Reputation))
	_, present := sel["weather"]
	assert.False(t, present)
}

func TestSelectorMatchesMixedCaseFeedNames(t *testing.T) {
	feeds := []string{feed.Price, "Watchlist"}
	sel := NewFeedSelector(reply(`{"feeds": {"price": true, "WATCHLIST": false}}`)).
		Select(context.Background(), SelectionRequest{Feeds: feeds})
	assert.True(t, sel.Enabled(feed.Price))
	assert.False(t, sel.Enabled("Watchlist"))
	assert.Equal(t, []string{feed.Price}, sel.Names())
}

func TestSelectorPromptMentionsRejection(t *testing.T) {
	var seen llm.Request
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		seen = req
		return &llm.Response{Text: `{}`}, nil
	})
	NewFeedSelector(client).Select(context.Background(), SelectionRequest{
		Trigger:         sampleTrigger(),
		Feeds:           allFeeds,
		RejectionReason: "Action type 'bridge' not allowed.",
	})
	assert.True(t, seen.JSON)
	assert.Contains(t, seen.Prompt, "Action type 'bridge' not allowed.")
	assert.Contains(t, seen.Prompt, "price, news, reputation")
}

func TestProposeParsesCandidate(t *testing.T) {
	agent := NewDecisionAgent(reply(`{"type":"swap","fromToken":"eth","toToken":"usdc","amount":0.25,"unit":"fraction","reason":"hedge","timestamp":1700000000000}`))
	c, err := agent.Propose(context.Background(), ProposalRequest{Trigger: sampleTrigger(), Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, action.TypeSwap, c.Type)
	assert.Equal(t, "ETH", c.FromToken)
	assert.True(t, c.Amount.Decimal.Equal(decimal.RequireFromString("0.25")))
}

func TestProposeMalformedOutput(t *testing.T) {
	_, err := NewDecisionAgent(reply("Sure! Here is my suggestion.")).
		Propose(context.Background(), ProposalRequest{Trigger: sampleTrigger(), Attempt: 1})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeProposalMalformed))
	assert.False(t, xerrors.RetryableError(err))
	assert.True(t, stdErrors.Is(err, action.ErrMalformed))
}

func TestProposeOracleFailureIsRetryable(t *testing.T) {
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, stdErrors.New("connection refused")
	})
	_, err := NewDecisionAgent(client).Propose(context.Background(), ProposalRequest{Trigger: sampleTrigger()})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeOracleUnavailable))
	assert.True(t, xerrors.RetryableError(err))
}

func TestProposeHonoursOracleTimeout(t *testing.T) {
	slow := llm.ClientFunc(func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	start := time.Now()
	_, err := NewDecisionAgent(slow, WithOracleTimeout(20*time.Millisecond)).
		Propose(context.Background(), ProposalRequest{Trigger: sampleTrigger()})
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeOracleUnavailable))
	assert.Less(t, time.Since(start), time.Second)
}

func TestProposeReturnsCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := llm.ClientFunc(func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		return nil, ctx.Err()
	})
	_, err := NewDecisionAgent(client).Propose(ctx, ProposalRequest{Trigger: sampleTrigger()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRevisionPromptCarriesRejectionAndSettings(t *testing.T) {
	prev, err := action.Parse(`{"type":"swap","fromToken":"ETH","toToken":"USDC","amount":0.9}`)
	require.NoError(t, err)

	prompt := buildProposalPrompt(ProposalRequest{
		Trigger: sampleTrigger(),
		Feeds:   map[string]feed.Entry{feed.Price: {Value: "Price of ethereum (ETH): $3000", Attempt: 1}},
		Attempt: 2,
		Revision: &Revision{
			RejectionReason: "Swap amount 0.9 exceeds max allowed percentage (50%).",
			SettingsSummary: "Max swap percentage: 50%\nAllowed actions: swap, stake, unstake",
			Previous:        prev,
		},
	})
	assert.True(t, strings.HasPrefix(prompt, "Previous proposal rejected due to: Swap amount 0.9"))
	assert.Contains(t, prompt, "- Max swap percentage: 50%")
	assert.Contains(t, prompt, "- Portfolio: AAVE: 50, ETH: 2")
	assert.Contains(t, prompt, "Original query: ETH dropped 8% in one hour")
	assert.Contains(t, prompt, "Price of ethereum (ETH): $3000")
	assert.Contains(t, prompt, "Please propose a compliant, revised action.")
}

func TestInitialPromptHasNoRevision(t *testing.T) {
	prompt := buildProposalPrompt(ProposalRequest{Trigger: sampleTrigger(), Attempt: 1})
	assert.NotContains(t, prompt, "rejected")
	assert.Contains(t, prompt, "No feed data available.")
	assert.Contains(t, prompt, "Output MUST be valid JSON.")
}

// sortedLike 按 allFeeds 的顺序重排名称，便于比较。
func sortedLike(names []string) []string {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	out := make([]string, 0, len(names))
	for _, n := range allFeeds {
		if set[n] {
			out = append(out, n)
		}
	}
	return out
}
