// Package sentinel is a Go client for the Sentinel orchestration API.
package sentinel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout is the timeout used by clients created without a custom
// http.Client. Streaming calls are not bound by it.
const DefaultHTTPTimeout = 2 * time.Minute

// ErrNotAuthorized is returned when the policy rejected every revision.
var ErrNotAuthorized = errors.New("sentinel: action not authorized")

// Trigger starts one orchestration run.
type Trigger struct {
	ID            string             `json:"id,omitempty"`
	TriggerReason string             `json:"triggerReason"`
	Portfolio     map[string]float64 `json:"portfolio,omitempty"`
}

// Action is an authorized action candidate.
type Action struct {
	Type      string      `json:"type"`
	FromToken string      `json:"fromToken,omitempty"`
	ToToken   string      `json:"toToken,omitempty"`
	Amount    json.Number `json:"amount,omitempty"`
	Unit      string      `json:"unit,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// Event is one progress event of a streamed run.
type Event struct {
	Seq     int             `json:"seq"`
	RunID   string          `json:"runId,omitempty"`
	Type    string          `json:"type"`
	Name    string          `json:"name,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
	State   string          `json:"state,omitempty"`
	Time    time.Time       `json:"time"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == "action" || e.Type == "error" || e.Type == "cancelled"
}

// Action decodes the candidate carried by decision and action events.
func (e Event) Action() (*Action, error) {
	if len(e.Data) == 0 {
		return nil, errors.New("sentinel: event carries no action")
	}
	var a Action
	if err := json.Unmarshal(e.Data, &a); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	return &a, nil
}

// RunRecord summarises the orchestration run of an asynchronous trigger.
type RunRecord struct {
	RunID    string  `json:"run_id"`
	State    string  `json:"state"`
	Attempts int     `json:"attempts"`
	Action   *Action `json:"action,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Events   []Event `json:"events,omitempty"`
}

// TriggerTask is the server-side view of an asynchronous trigger.
type TriggerTask struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	Schedule   string     `json:"schedule,omitempty"`
	Status     string     `json:"status"`
	Terminal   bool       `json:"terminal"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"max_retries"`
	LastError  string     `json:"last_error,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	Result     *RunRecord `json:"result,omitempty"`
	CreatedAt  int64      `json:"created_at"`
	UpdatedAt  int64      `json:"updated_at"`
}

// Done reports whether the trigger reached a final status.
func (t TriggerTask) Done() bool {
	return t.Terminal || t.Status == "authorized" || t.Status == "rejected"
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("sentinel api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("sentinel api error (%d): %s", e.StatusCode, e.Message)
}

// Unwrap lets errors.Is match ErrNotAuthorized on 403 responses.
func (e *APIError) Unwrap() error {
	if e != nil && e.StatusCode == http.StatusForbidden {
		return ErrNotAuthorized
	}
	return nil
}

// Client wraps the HTTP interactions with the Sentinel API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sends key as a bearer token on every request.
func (c *Client) SetAPIKey(key string) { c.apiKey = strings.TrimSpace(key) }

// Orchestrate runs the orchestration synchronously and returns the authorized
// action. A rejected run yields an error matching ErrNotAuthorized.
func (c *Client) Orchestrate(ctx context.Context, trig Trigger) (*Action, error) {
	var out Action
	if err := c.post(ctx, "/api/v1/orchestrate", trig, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stream runs the orchestration and calls fn for every event in order. It
// returns after the terminal event, when fn returns an error, or when ctx ends.
func (c *Client) Stream(ctx context.Context, trig Trigger, fn func(Event) error) error {
	body, err := json.Marshal(trig)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/orchestrate/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	streaming := *c.httpClient
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

// SubmitTrigger queues an asynchronous run. Submitting the same ID twice
// returns the existing trigger.
func (c *Client) SubmitTrigger(ctx context.Context, trig Trigger) (TriggerTask, error) {
	var out TriggerTask
	if err := c.post(ctx, "/api/v1/triggers", trig, &out); err != nil {
		return TriggerTask{}, err
	}
	return out, nil
}

// GetTrigger fetches an asynchronous trigger by identifier.
func (c *Client) GetTrigger(ctx context.Context, id string) (TriggerTask, error) {
	var out TriggerTask
	if err := c.get(ctx, "/api/v1/triggers/"+url.PathEscape(id), &out); err != nil {
		return TriggerTask{}, err
	}
	return out, nil
}

// WaitTrigger polls until the trigger is done or ctx ends.
func (c *Client) WaitTrigger(ctx context.Context, id string, interval time.Duration) (TriggerTask, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTrigger(ctx, id)
		if err != nil {
			return TriggerTask{}, err
		}
		if t.Done() || (t.Status == "failed" && t.Attempts >= t.MaxRetries) {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
