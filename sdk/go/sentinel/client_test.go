package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOrchestrateReturnsAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orchestrate" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var trig Trigger
		if err := json.NewDecoder(r.Body).Decode(&trig); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if trig.TriggerReason != "ETH dropped" {
			t.Fatalf("unexpected trigger reason %q", trig.TriggerReason)
		}
		_, _ = w.Write([]byte(`{"type":"swap","fromToken":"ETH","toToken":"AAVE","amount":0.4,"unit":"fraction"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	action, err := client.Orchestrate(context.Background(), Trigger{TriggerReason: "ETH dropped", Portfolio: map[string]float64{"ETH": 2}})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if action.Type != "swap" || action.Amount.String() != "0.4" {
		t.Fatalf("unexpected action: %+v", action)
	}
}

func TestOrchestrateNotAuthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"success":false,"error":"Action not authorized after maximum revisions (3 attempts): too big","code":"NOT_AUTHORIZED"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	_, err := client.Orchestrate(context.Background(), Trigger{TriggerReason: "x"})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "NOT_AUTHORIZED" {
		t.Fatalf("expected api error with code, got %v", err)
	}
}

func TestStreamStopsAtTerminalEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i, typ := range []string{"status", "agent", "decision", "auth", "action", "status"} {
			fmt.Fprintf(w, "data: {\"seq\":%d,\"type\":%q,\"message\":\"m\",\"data\":{\"type\":\"stake\"}}\n\n", i+1, typ)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	var seen []Event
	err := client.Stream(context.Background(), Trigger{TriggerReason: "x"}, func(e Event) error {
		seen = append(seen, e)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(seen) != 5 || seen[4].Type != "action" {
		t.Fatalf("unexpected events: %+v", seen)
	}
	action, err := seen[4].Action()
	if err != nil || action.Type != "stake" {
		t.Fatalf("unexpected action: %+v %v", action, err)
	}
}

func TestStreamWithoutTerminalEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {\"seq\":1,\"type\":\"status\",\"message\":\"m\"}\n\n")
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	err := client.Stream(context.Background(), Trigger{}, func(Event) error { return nil })
	if err == nil {
		t.Fatal("expected error when stream ends early")
	}
}

func TestSubmitAndGetTrigger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/triggers":
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(TriggerTask{ID: "t-1", Status: "pending", MaxRetries: 3})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/triggers/t-1":
			_ = json.NewEncoder(w).Encode(TriggerTask{ID: "t-1", Status: "authorized", Result: &RunRecord{State: "AUTHORIZED"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	submitted, err := client.SubmitTrigger(context.Background(), Trigger{ID: "t-1", TriggerReason: "hourly"})
	if err != nil || submitted.ID != "t-1" {
		t.Fatalf("submit: %+v %v", submitted, err)
	}
	done, err := client.WaitTrigger(context.Background(), "t-1", 0)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !done.Done() || done.Result.State != "AUTHORIZED" {
		t.Fatalf("unexpected trigger: %+v", done)
	}
	if _, err := client.GetTrigger(context.Background(), "nope"); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("not a url", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestAPIKeyHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = fmt.Fprint(w, `{"success":false,"error":"Unauthorized"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(TriggerTask{ID: "t-1", Status: "pending"})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	var apiErr *APIError
	if _, err := client.GetTrigger(context.Background(), "t-1"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
	client.SetAPIKey("k-1")
	if got, err := client.GetTrigger(context.Background(), "t-1"); err != nil || got.ID != "t-1" {
		t.Fatalf("get with key: %+v %v", got, err)
	}
}
