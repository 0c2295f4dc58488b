package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Sentinel-Protocol/internal/action"
	"Sentinel-Protocol/internal/agent"
	"Sentinel-Protocol/internal/auth"
	xerrors "Sentinel-Protocol/internal/errors"
	"Sentinel-Protocol/internal/event"
	"Sentinel-Protocol/internal/feed"
	"Sentinel-Protocol/internal/observability/metrics"
	"Sentinel-Protocol/internal/orchestrator"
	"Sentinel-Protocol/internal/task"
)

const (
	compliantSwap = `{"type":"swap","fromToken":"ETH","toToken":"AAVE","amount":0.4,"unit":"fraction","reason":"rebalance","timestamp":1700000000000}`
	oversizedSwap = `{"type":"swap","fromToken":"ETH","toToken":"AAVE","amount":0.9,"unit":"fraction","reason":"all in","timestamp":1700000000000}`
	triggerBody   = `{"triggerReason":"ETH dropped 5%","portfolio":{"ETH":2,"AAVE":50,"USDC":1000}}`
)

type proposerFunc func(ctx context.Context, req agent.ProposalRequest) (*action.Candidate, error)

func (f proposerFunc) Propose(ctx context.Context, req agent.ProposalRequest) (*action.Candidate, error) {
	return f(ctx, req)
}

func proposing(body string) agent.Proposer {
	return proposerFunc(func(context.Context, agent.ProposalRequest) (*action.Candidate, error) {
		return action.Parse(body)
	})
}

func newTestServer(t *testing.T, proposer agent.Proposer, opts ...Option) *Server {
	t.Helper()
	gw := feed.NewGateway([]feed.Provider{
		feed.ProviderFunc{ID: feed.Price, Fn: func(context.Context, string) (string, error) { return "Price of ethereum (ETH): $3000", nil }},
		feed.ProviderFunc{ID: feed.News, Fn: func(context.Context, string) (string, error) { return "ETH ETF inflows", nil }},
	})
	o, err := orchestrator.New(gw, nil, proposer)
	require.NoError(t, err)
	return NewServer(":0", o, opts...)
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestOrchestrateAuthorized(t *testing.T) {
	s := newTestServer(t, proposing(compliantSwap))
	rec := post(s.Handler(), "/api/v1/orchestrate", triggerBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "swap", got["type"])
	assert.Equal(t, "ETH", got["fromToken"])
}

func TestOrchestrateExhaustedIsForbidden(t *testing.T) {
	s := newTestServer(t, proposing(oversizedSwap))
	rec := post(s.Handler(), "/api/v1/orchestrate", triggerBody)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var got failure
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Success)
	assert.Contains(t, got.Error, "maximum revisions")
	assert.Equal(t, string(orchestrator.CodeNotAuthorized), got.Code)
}

func TestOrchestrateFailureIsServerError(t *testing.T) {
	s := newTestServer(t, proposerFunc(func(context.Context, agent.ProposalRequest) (*action.Candidate, error) {
		return nil, xerrors.New(agent.CodeProposalMalformed, "oracle returned prose")
	}))
	rec := post(s.Handler(), "/api/v1/orchestrate", triggerBody)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var got failure
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Success)
	assert.NotEmpty(t, got.Error)
}

func TestOrchestrateBadBody(t *testing.T) {
	s := newTestServer(t, proposing(compliantSwap))
	for _, body := range []string{"", "{", `{"portfolio":{"ETH":-1}}`} {
		rec := post(s.Handler(), "/api/v1/orchestrate", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestStreamEmitsOrderedEventsAndCloses(t *testing.T) {
	s := newTestServer(t, proposing(compliantSwap))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/orchestrate/stream", "application/json", strings.NewReader(triggerBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []event.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e event.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, events)

	for i, e := range events {
		assert.Equal(t, i+1, e.Seq)
	}
	last := events[len(events)-1]
	assert.Equal(t, event.TypeAction, last.Type)

	types := make(map[event.Type]int)
	for _, e := range events {
		types[e.Type]++
	}
	assert.Equal(t, 2, types[event.TypeAgent])
	assert.Equal(t, 1, types[event.TypeDecision])
	assert.Equal(t, 1, types[event.TypeAuth])
}

func TestWebSocketStream(t *testing.T) {
	s := newTestServer(t, proposing(oversizedSwap))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/orchestrate/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(triggerBody)))

	var last event.Event
	for {
		var e event.Event
		if err := conn.ReadJSON(&e); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		last = e
	}
	assert.Equal(t, event.TypeError, last.Type)
	assert.Contains(t, last.Message, "maximum revisions")
}

func TestTriggerEndpoints(t *testing.T) {
	svc := task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(8), 3)
	s := newTestServer(t, proposing(compliantSwap), WithTasks(svc))
	h := s.Handler()

	rec := post(h, "/api/v1/triggers", `{"id":"trig-1","triggerReason":"hourly","portfolio":{"eth":1}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "trig-1", created.ID)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, task.SourceAPI, created.Source)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/triggers/trig-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/triggers/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/triggers?status=pending&limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/triggers?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/triggers/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats task.TaskStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Pending)
}

func TestTriggersUnavailableWithoutService(t *testing.T) {
	s := newTestServer(t, proposing(compliantSwap))
	rec := post(s.Handler(), "/api/v1/triggers", triggerBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, proposing(compliantSwap), WithMetrics(metrics.New()))
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `sentinel_http_requests_total{code="200",handler="/healthz",method="GET"} 1`)
}

func TestAPIKeyAuth(t *testing.T) {
	authSvc, err := auth.NewService(auth.Config{
		Mode: auth.ModeAPIKey,
		Keys: []auth.Key{
			{Name: "ops", Token: "ops-key"},
			{Name: "viewer", Token: "view-key", Permissions: []string{auth.PermissionTriggersRead}},
		},
	})
	require.NoError(t, err)
	svc := task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(8), 3)
	h := newTestServer(t, proposing(compliantSwap), WithTasks(svc), WithAuth(authSvc)).Handler()

	send := func(method, path, key, body string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send(http.MethodPost, "/api/v1/orchestrate", "", triggerBody))
	assert.Equal(t, http.StatusForbidden, send(http.MethodPost, "/api/v1/orchestrate", "view-key", triggerBody))
	assert.Equal(t, http.StatusOK, send(http.MethodPost, "/api/v1/orchestrate", "ops-key", triggerBody))
	assert.Equal(t, http.StatusForbidden, send(http.MethodPost, "/api/v1/triggers", "view-key", triggerBody))
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/api/v1/triggers/stats", "view-key", ""))
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/healthz", "", ""))
}
