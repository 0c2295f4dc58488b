package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"Sentinel-Protocol/internal/llm"
)

func newTestClient(t *testing.T, srv *httptest.Server, retries int) *Client {
	t.Helper()
	client, err := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL + "/", Timeout: time.Second, MaxRetries: retries})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()
	client.backoff = time.Millisecond
	return client
}

func reply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model":   "gpt-4o-mini-2024",
		"choices": []map[string]any{{"message": map[string]any{"content": content}}},
	})
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Config{APIKey: "  "}); err == nil {
		t.Fatal("expected error when api key is missing")
	}
}

func TestGenerateProposalRequest(t *testing.T) {
	var body chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		reply(w, "  {\"type\":\"swap\",\"fromToken\":\"ETH\"}  ")
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv, 0).Generate(context.Background(), llm.Request{
		System: "answer with one JSON action", Prompt: "ETH dropped 5%", JSON: true, MaxTokens: 300,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != `{"type":"swap","fromToken":"ETH"}` || resp.Model != "gpt-4o-mini-2024" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("authorization header: %q", auth)
	}
	if body.Model != defaultModelName || body.MaxTokens != 300 {
		t.Fatalf("unexpected request: %+v", body)
	}
	if len(body.Messages) != 2 || body.Messages[0].Role != "system" || body.Messages[1].Content != "ETH dropped 5%" {
		t.Fatalf("unexpected messages: %+v", body.Messages)
	}
	if body.ResponseFormat == nil || body.ResponseFormat.Type != "json_object" {
		t.Fatalf("json response format not requested: %+v", body.ResponseFormat)
	}
	if body.Temperature == nil || *body.Temperature != 0 {
		t.Fatalf("zero temperature should be sent as is: %v", body.Temperature)
	}
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		reply(w, `{"type":"stake"}`)
	}))
	defer srv.Close()

	resp, err := newTestClient(t, srv, 2).Generate(context.Background(), llm.Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != `{"type":"stake"}` || calls.Load() != 3 {
		t.Fatalf("unexpected result after %d calls: %+v", calls.Load(), resp)
	}
}

func TestGenerateDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, 3).Generate(context.Background(), llm.Request{Prompt: "p"})
	var status *StatusError
	if !errors.As(err, &status) || status.StatusCode != http.StatusBadRequest || status.Temporary() {
		t.Fatalf("expected non-temporary status error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestGenerateRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, 1).Generate(context.Background(), llm.Request{Prompt: "p"})
	var status *StatusError
	if !errors.As(err, &status) || status.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 status error, got %v", err)
	}
}

func TestGenerateEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, 0)
	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "p"}); err == nil {
		t.Fatal("expected error for empty choices")
	}
	if _, err := client.Generate(context.Background(), llm.Request{}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}
