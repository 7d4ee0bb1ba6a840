// Package engine talks to the per-org pipeline engines: health and throughput
// queries over their GraphQL API, and config pushes with a reload signal.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/pipectl/internal/domain"
	"github.com/splax/pipectl/pkg/config"
)

const (
	defaultPort      = 8686
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

var (
	// ErrTimeout indicates the engine did not answer within the query timeout.
	ErrTimeout = errors.New("engine query timed out")
	// ErrUnavailable indicates the engine could not be reached.
	ErrUnavailable = errors.New("engine unavailable")
	// ErrEngine indicates the engine answered with an error. See EngineError.
	ErrEngine = errors.New("engine error")
)

// EngineError carries a non-success engine response. GraphQL-level errors are
// reported with the HTTP status the engine returned, usually 200.
type EngineError struct {
	Status int
	Body   string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine returned status %d: %s", e.Status, e.Body)
}

// Unwrap lets errors.Is match ErrEngine.
func (e *EngineError) Unwrap() error { return ErrEngine }

// InstanceLookup resolves an org to its engine instance.
type InstanceLookup interface {
	Get(ctx context.Context, orgID string) (*domain.TenantInstance, error)
}

// Client queries org engines. It is safe for concurrent use.
type Client struct {
	instances InstanceLookup
	http      *http.Client
	port      int
	timeout   time.Duration
	logger    *slog.Logger
	queries   *prometheus.CounterVec
	now       func() time.Time
}

// NewClient builds a Client. httpClient may be nil.
func NewClient(instances InstanceLookup, httpClient *http.Client, logger *slog.Logger, cfg config.APIConfig) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	port := cfg.EnginePort
	if port <= 0 {
		port = defaultPort
	}
	timeout := cfg.EngineQueryTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		instances: instances,
		http:      httpClient,
		port:      port,
		timeout:   timeout,
		logger:    logger.With("component", "engine"),
		queries:   queryCounter(),
		now:       time.Now,
	}
}

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) endpoint(host string) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.port)) + "/graphql"
}

func (c *Client) host(ctx context.Context, orgID string) (string, error) {
	instance, err := c.instances.Get(ctx, orgID)
	if err != nil {
		return "", err
	}
	host := strings.TrimSpace(instance.EngineHost)
	if host == "" {
		return "", fmt.Errorf("%w: org %s has no engine host", ErrUnavailable, orgID)
	}
	return host, nil
}

// query runs a GraphQL query against host and decodes its data into out.
func (c *Client) query(ctx context.Context, host, name, query string, out any) (err error) {
	defer func() {
		c.queries.WithLabelValues(name, outcome(err)).Inc()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(graphQLRequest{Query: query})
	if err != nil {
		return fmt.Errorf("marshal %s query: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(host), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &EngineError{Status: resp.StatusCode, Body: strings.TrimSpace(string(buf))}
	}
	var payload graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return classifyTransportError(ctx, ctxErr)
		}
		return &EngineError{Status: resp.StatusCode, Body: "malformed response: " + err.Error()}
	}
	if len(payload.Errors) > 0 {
		messages := make([]string, 0, len(payload.Errors))
		for _, e := range payload.Errors {
			messages = append(messages, e.Message)
		}
		return &EngineError{Status: resp.StatusCode, Body: strings.Join(messages, "; ")}
	}
	if out == nil || len(payload.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload.Data, out); err != nil {
		return &EngineError{Status: resp.StatusCode, Body: "unexpected data: " + err.Error()}
	}
	return nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrEngine):
		return "engine_error"
	default:
		return "error"
	}
}

func queryCounter() *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipectl",
		Name:      "engine_queries_total",
		Help:      "Count of engine GraphQL queries by outcome",
	}, []string{"query", "outcome"})
	if err := prometheus.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
