package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the pipectl API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken authenticates requests with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	status, data, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return APIError{Status: status, Message: extractError(data)}
	}
	if v == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (int, []byte, error) {
	if c == nil {
		return 0, nil, errors.New("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func extractError(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Instance mirrors the engine instance payload.
type Instance struct {
	ID         string          `json:"id"`
	OrgID      string          `json:"org_id"`
	EngineHost string          `json:"engine_host"`
	Config     json.RawMessage `json:"config"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Pushed     bool            `json:"pushed"`
	PushError  string          `json:"push_error"`
}

type configEnvelope struct {
	OrgID  string          `json:"org_id"`
	Config json.RawMessage `json:"config"`
}

// Pipeline returns the stored config for the caller's org as raw JSON.
func (c *Client) Pipeline(ctx context.Context) (json.RawMessage, error) {
	var resp configEnvelope
	if err := c.do(ctx, http.MethodGet, "/pipeline", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Config, nil
}

// PreviewPipeline returns the config as pushed to the engine, taps included.
func (c *Client) PreviewPipeline(ctx context.Context) (json.RawMessage, error) {
	var resp configEnvelope
	if err := c.do(ctx, http.MethodGet, "/pipeline/preview", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Config, nil
}

// ApplyPipeline stores a config given as JSON or YAML text and pushes it.
// A stored config that failed to push is reported through Instance.PushError.
func (c *Client) ApplyPipeline(ctx context.Context, text string) (Instance, error) {
	var resp Instance
	if err := c.do(ctx, http.MethodPut, "/pipeline", map[string]string{"config": text}, &resp); err != nil {
		return Instance{}, err
	}
	return resp, nil
}

// Problem is a single advisory validation finding.
type Problem struct {
	ComponentID string `json:"component_id"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
}

// Validation is the validate endpoint response.
type Validation struct {
	Valid    bool      `json:"valid"`
	Problems []Problem `json:"problems"`
}

// ValidatePipeline checks a config given as text; empty text validates the stored config.
func (c *Client) ValidatePipeline(ctx context.Context, text string) (Validation, error) {
	var body any
	if strings.TrimSpace(text) != "" {
		body = map[string]string{"config": text}
	}
	var resp Validation
	if err := c.do(ctx, http.MethodPost, "/pipeline/validate", body, &resp); err != nil {
		return Validation{}, err
	}
	return resp, nil
}

// EngineHealthy reports whether the org's engine answered its health probe.
func (c *Client) EngineHealthy(ctx context.Context) (bool, error) {
	var resp struct {
		Healthy bool `json:"healthy"`
	}
	if err := c.do(ctx, http.MethodGet, "/engine/health", nil, &resp); err != nil {
		return false, err
	}
	return resp.Healthy, nil
}

// MetricSample mirrors one component's throughput counters. Counters the
// engine does not report for the component kind are nil.
type MetricSample struct {
	ComponentID    string    `json:"component_id"`
	ComponentType  string    `json:"component_type"`
	Kind           string    `json:"kind"`
	ReceivedEvents *float64  `json:"received_events"`
	SentEvents     *float64  `json:"sent_events"`
	ReceivedBytes  *float64  `json:"received_bytes"`
	SentBytes      *float64  `json:"sent_bytes"`
	ObservedAt     time.Time `json:"observed_at"`
}

// EngineMetrics returns per-component counters keyed by component id.
func (c *Client) EngineMetrics(ctx context.Context) (map[string]MetricSample, error) {
	var resp map[string]MetricSample
	if err := c.do(ctx, http.MethodGet, "/engine/metrics", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PreviewEvents lists buffered preview events, optionally filtered.
func (c *Client) PreviewEvents(ctx context.Context, component, previewType string) ([]map[string]any, error) {
	q := url.Values{}
	if component != "" {
		q.Set("component", component)
	}
	if previewType != "" {
		q.Set("type", previewType)
	}
	path := "/preview/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp []map[string]any
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ResetPreview drops the org's buffered preview events.
func (c *Client) ResetPreview(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/preview/events", nil, nil)
}

// CorrelationReport mirrors the correlate endpoint response.
type CorrelationReport struct {
	Logs      []map[string]any `json:"logs"`
	Total     int              `json:"total"`
	Found     int              `json:"found"`
	Requested int              `json:"requested"`
	Missing   []string         `json:"missing"`
}

// Correlate looks up log lines by id. A report with nothing found is
// returned without error.
func (c *Client) Correlate(ctx context.Context, ids []string) (CorrelationReport, error) {
	path := "/logs/correlate?" + url.Values{"ids": {strings.Join(ids, ",")}}.Encode()
	status, data, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return CorrelationReport{}, err
	}
	if status >= http.StatusBadRequest && status != http.StatusNotFound {
		return CorrelationReport{}, APIError{Status: status, Message: extractError(data)}
	}
	var report CorrelationReport
	if err := json.Unmarshal(data, &report); err != nil {
		if status == http.StatusNotFound {
			return CorrelationReport{}, APIError{Status: status, Message: extractError(data)}
		}
		return CorrelationReport{}, fmt.Errorf("decode response: %w", err)
	}
	return report, nil
}
