package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Sentinel-Protocol/internal/action"
	"Sentinel-Protocol/internal/agent"
	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/internal/event"
	"Sentinel-Protocol/internal/feed"
	"Sentinel-Protocol/internal/llm"
	"Sentinel-Protocol/internal/policy"
	"Sentinel-Protocol/internal/trigger"
)

func swapJSON(from, to, amount string) string {
	return fmt.Sprintf(`{"type":"swap","fromToken":%q,"toToken":%q,"amount":%s,"unit":"fraction","reason":"rebalance","timestamp":1700000000000}`, from, to, amount)
}

// scripted 按顺序返回预设输出，超出后重复最后一条。
type scripted struct {
	mu      sync.Mutex
	outputs []string
	calls   int
	prompts []string
}

func (s *scripted) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.Prompt)
	idx := s.calls
	if idx >= len(s.outputs) {
		idx = len(s.outputs) - 1
	}
	s.calls++
	return &llm.Response{Text: s.outputs[idx]}, nil
}

type proposerFunc func(ctx context.Context, req agent.ProposalRequest) (*action.Candidate, error)

func (f proposerFunc) Propose(ctx context.Context, req agent.ProposalRequest) (*action.Candidate, error) {
	return f(ctx, req)
}

type selectorFunc func(ctx context.Context, req agent.SelectionRequest) feed.Selection

func (f selectorFunc) Select(ctx context.Context, req agent.SelectionRequest) feed.Selection {
	return f(ctx, req)
}

func newGateway(counts map[string]*int32) *feed.Gateway {
	providers := make([]feed.Provider, 0, 3)
	for _, name := range []string{feed.Price, feed.News, feed.Reputation} {
		name := name
		var n int32
		if counts != nil {
			counts[name] = &n
		}
		providers = append(providers, feed.ProviderFunc{ID: name, Fn: func(context.Context, string) (string, error) {
			atomic.AddInt32(&n, 1)
			return name + " data", nil
		}})
	}
	return feed.NewGateway(providers)
}

func scenarioTrigger() Trigger {
	return Trigger{
		Reason: "rebalance",
		Portfolio: trigger.Portfolio{
			"ETH":  decimal.NewFromInt(2),
			"AAVE": decimal.NewFromInt(50),
			"USDC": decimal.NewFromInt(1000),
		},
	}
}

func newOrchestrator(t *testing.T, gw FeedSource, proposer agent.Proposer, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(gw, agent.AllFeeds{}, proposer, opts...)
	require.NoError(t, err)
	return o
}

func TestScenarioAAuthorizedFirstAttempt(t *testing.T) {
	oracle := &scripted{outputs: []string{swapJSON("ETH", "AAVE", "0.4")}}
	o := newOrchestrator(t, newGateway(nil), agent.NewDecisionAgent(oracle))
	sink := &event.Log{}

	res, err := o.Run(context.Background(), scenarioTrigger(), sink)
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, res.Revisions())
	assert.NoError(t, res.Err())
	require.NotNil(t, res.Action)
	assert.Equal(t, "AAVE", res.Action.ToToken)

	assert.Equal(t, []event.Type{
		event.TypeStatus, event.TypeInfo,
		event.TypeAgent, event.TypeAgent, event.TypeAgent,
		event.TypeDecision, event.TypeAuth, event.TypeAction,
	}, sink.Types())
	for i, e := range sink.Events() {
		assert.Equal(t, i+1, e.Seq)
		assert.Equal(t, res.RunID, e.RunID)
	}
}

func TestScenarioBAuthorizedAfterTwoRevisions(t *testing.T) {
	oracle := &scripted{outputs: []string{
		swapJSON("ETH", "AAVE", "0.6"),
		swapJSON("ETH", "AAVE", "0.6"),
		swapJSON("ETH", "AAVE", "0.3"),
	}}
	o := newOrchestrator(t, newGateway(nil), agent.NewDecisionAgent(oracle))

	res, err := o.Run(context.Background(), scenarioTrigger(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, res.Revisions())
	assert.Len(t, res.Rejections, 2)
	assert.Contains(t, res.Rejections[0], "exceeds max allowed percentage (50%)")

	require.Len(t, oracle.prompts, 3)
	assert.NotContains(t, oracle.prompts[0], "Previous proposal rejected")
	assert.Contains(t, oracle.prompts[1], "Previous proposal rejected due to: Swap amount 0.6")
	assert.Contains(t, oracle.prompts[2], "Max swap percentage: 50%")
}

func TestScenarioCExhausted(t *testing.T) {
	oracle := &scripted{outputs: []string{swapJSON("ETH", "AAVE", "0.9")}}
	o := newOrchestrator(t, newGateway(nil), agent.NewDecisionAgent(oracle))
	sink := &event.Log{}

	res, err := o.Run(context.Background(), scenarioTrigger(), sink)
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, DefaultMaxAttempts, res.Attempts)
	assert.Equal(t, 2, res.Revisions())
	assert.Equal(t, 3, oracle.calls)

	runErr := res.Err()
	require.Error(t, runErr)
	assert.True(t, xerrors.HasCode(runErr, CodeNotAuthorized))
	assert.Contains(t, runErr.Error(), "maximum revisions (3 attempts)")

	events := sink.Events()
	last := events[len(events)-1]
	assert.Equal(t, event.TypeError, last.Type)
	assert.Contains(t, last.Message, "Action not authorized after maximum revisions")
}

func TestScenarioDDisallowedTokenCitesToken(t *testing.T) {
	oracle := &scripted{outputs: []string{swapJSON("BTC", "USDC", "0.01")}}
	o := newOrchestrator(t, newGateway(nil), agent.NewDecisionAgent(oracle), WithMaxAttempts(1))

	res, err := o.Run(context.Background(), scenarioTrigger(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, res.State)
	assert.Contains(t, res.LastRejection(), "BTC")
}

func TestMaxAttemptsBoundsIterations(t *testing.T) {
	oracle := &scripted{outputs: []string{`{"type":"bridge"}`}}
	o := newOrchestrator(t, newGateway(nil), agent.NewDecisionAgent(oracle), WithMaxAttempts(5))

	res, err := o.Run(context.Background(), scenarioTrigger(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, 5, oracle.calls)
	assert.Equal(t, 4, res.Revisions())
}

func TestMalformedProposalFailsWithoutRevision(t *testing.T) {
	oracle := &scripted{outputs: []string{"not json at all"}}
	o := newOrchestrator(t, newGateway(nil), agent.NewDecisionAgent(oracle))
	sink := &event.Log{}

	res, err := o.Run(context.Background(), scenarioTrigger(), sink)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, agent.CodeProposalMalformed))
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, oracle.calls)
	assert.Equal(t, 0, res.Revisions())
	assert.Equal(t, err, res.Err())

	types := sink.Types()
	assert.Equal(t, event.TypeError, types[len(types)-1])
	assert.NotContains(t, types, event.TypeAuth)
}

func TestCancellationEmitsCancelledEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proposer := proposerFunc(func(ctx context.Context, _ agent.ProposalRequest) (*action.Candidate, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newOrchestrator(t, newGateway(nil), proposer)
	sink := &event.Log{}

	res, err := o.Run(ctx, scenarioTrigger(), sink)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeRunCancelled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, res.State)

	types := sink.Types()
	assert.Equal(t, event.TypeCancelled, types[len(types)-1])
}

func TestRunTimeoutCancelsRun(t *testing.T) {
	slow := feed.ProviderFunc{ID: feed.Price, Fn: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	proposer := proposerFunc(func(context.Context, agent.ProposalRequest) (*action.Candidate, error) {
		t.Fatal("proposer must not be called after the deadline")
		return nil, nil
	})
	o := newOrchestrator(t, feed.NewGateway([]feed.Provider{slow}), proposer, WithRunTimeout(30*time.Millisecond))

	res, err := o.Run(context.Background(), scenarioTrigger(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateCancelled, res.State)
}

func TestFeedContextKeepsEarlierValues(t *testing.T) {
	var newsCalls int32
	providers := []feed.Provider{
		feed.ProviderFunc{ID: feed.Price, Fn: func(context.Context, string) (string, error) { return "price data", nil }},
		feed.ProviderFunc{ID: feed.News, Fn: func(context.Context, string) (string, error) {
			if atomic.AddInt32(&newsCalls, 1) > 1 {
				return "", fmt.Errorf("rate limited")
			}
			return "first headlines", nil
		}},
	}
	var seen []map[string]feed.Entry
	proposer := proposerFunc(func(_ context.Context, req agent.ProposalRequest) (*action.Candidate, error) {
		seen = append(seen, req.Feeds)
		return action.Parse(swapJSON("ETH", "AAVE", "0.9"))
	})
	o := newOrchestrator(t, feed.NewGateway(providers), proposer)

	res, err := o.Run(context.Background(), scenarioTrigger(), nil)
	require.NoError(t, err)
	require.Len(t, seen, 3)
	for i := 1; i < len(seen); i++ {
		for key := range seen[i-1] {
			assert.Contains(t, seen[i], key, "iteration %d lost feed %s", i+1, key)
		}
	}
	assert.Equal(t, "first headlines", res.Context[feed.News].Value)
	assert.Equal(t, 1, res.Context[feed.News].Attempt)
	assert.Equal(t, 3, res.Context[feed.Price].Attempt)
}

func TestSelectorNarrowsRevisionFetches(t *testing.T) {
	counts := map[string]*int32{}
	gw := newGateway(counts)
	var requests []agent.SelectionRequest
	selector := selectorFunc(func(_ context.Context, req agent.SelectionRequest) feed.Selection {
		requests = append(requests, req)
		return feed.All(req.Feeds).Set(feed.News, false).Set(feed.Reputation, false)
	})
	oracle := &scripted{outputs: []string{swapJSON("ETH", "AAVE", "0.6"), swapJSON("ETH", "AAVE", "0.2")}}
	o, err := New(gw, selector, agent.NewDecisionAgent(oracle))
	require.NoError(t, err)

	res, err := o.Run(context.Background(), scenarioTrigger(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateAuthorized, res.State)
	require.Len(t, requests, 1, "first iteration enables every feed without asking")
	assert.Contains(t, requests[0].RejectionReason, "Swap amount 0.6")
	assert.EqualValues(t, 2, atomic.LoadInt32(counts[feed.Price]))
	assert.EqualValues(t, 1, atomic.LoadInt32(counts[feed.News]))
	assert.EqualValues(t, 1, atomic.LoadInt32(counts[feed.Reputation]))
}

func TestTransitionsFollowStateTable(t *testing.T) {
	oracle := &scripted{outputs: []string{swapJSON("ETH", "AAVE", "0.6"), swapJSON("ETH", "AAVE", "0.1")}}
	o := newOrchestrator(t, newGateway(nil), agent.NewDecisionAgent(oracle))

	res, err := o.Run(context.Background(), scenarioTrigger(), nil)
	require.NoError(t, err)
	prev := StateSelectingFeeds
	for _, tr := range res.Transitions {
		assert.Equal(t, prev, tr.From)
		assert.True(t, CanTransition(tr.From, tr.To))
		prev = tr.To
	}
	assert.Equal(t, StateAuthorized, prev)
	assert.LessOrEqual(t, res.Attempts, o.MaxAttempts())
}

func TestNothingFollowsTerminalEvent(t *testing.T) {
	var mu sync.Mutex
	var types []event.Type
	sink := event.SinkFunc(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
	})
	oracle := &scripted{outputs: []string{swapJSON("ETH", "AAVE", "0.4")}}
	o := newOrchestrator(t, newGateway(nil), agent.NewDecisionAgent(oracle))

	_, err := o.Run(context.Background(), scenarioTrigger(), sink)
	require.NoError(t, err)
	terminals := 0
	for i, typ := range types {
		if typ.Terminal() {
			terminals++
			assert.Equal(t, len(types)-1, i)
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestConcurrentRunsShareNothing(t *testing.T) {
	o := newOrchestrator(t, newGateway(nil), proposerFunc(func(_ context.Context, req agent.ProposalRequest) (*action.Candidate, error) {
		return action.Parse(swapJSON("ETH", "AAVE", "0.1"))
	}), WithSettings(policy.DefaultSettings()))

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Run(context.Background(), scenarioTrigger(), nil)
			if assert.NoError(t, err) {
				ids[i] = res.RunID
			}
		}(i)
	}
	wg.Wait()
	unique := map[string]bool{}
	for _, id := range ids {
		unique[id] = true
	}
	assert.Len(t, unique, len(ids))
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	_, err := New(nil, nil, agent.NewDecisionAgent(nil))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	_, err = New(newGateway(nil), nil, nil)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}
