package person

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/personchat/internal/observe"
	"github.com/MrWong99/personchat/internal/resilience"
)

const (
	// DefaultTimeout bounds a single request to the person API.
	DefaultTimeout = 10 * time.Second

	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 10 << 20
)

// HTTPClient is a [Repository] backed by the person REST API.
//
// The zero value is NOT usable; create instances with [NewHTTPClient].
type HTTPClient struct {
	baseURL    string
	client     *http.Client
	timeout    time.Duration
	breakerCfg resilience.CircuitBreakerConfig
	breaker    *resilience.CircuitBreaker
	metrics    *observe.Metrics
}

var (
	_ Repository = (*HTTPClient)(nil)
	_ Pinger     = (*HTTPClient)(nil)
)

// HTTPOption configures an [HTTPClient].
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client. Its Timeout is kept
// unless [WithTimeout] is also given; c itself is never modified.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.client = c
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithCircuitBreaker tunes the breaker guarding the API. Zero fields fall
// back to the breaker defaults.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) HTTPOption {
	return func(h *HTTPClient) {
		h.breakerCfg = cfg
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) HTTPOption {
	return func(h *HTTPClient) {
		if m != nil {
			h.metrics = m
		}
	}
}

// NewHTTPClient creates a client for the person API rooted at baseURL, e.g.
// "http://localhost:5260/api/Person".
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("person: base URL must not be empty")
	}
	h := &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultTimeout},
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.timeout > 0 {
		c := *h.client
		c.Timeout = h.timeout
		h.client = &c
	}
	if h.breakerCfg.Name == "" {
		h.breakerCfg.Name = "person-api"
	}
	if h.breakerCfg.IsFailure == nil {
		h.breakerCfg.IsFailure = isBackendFailure
	}
	h.breaker = resilience.NewCircuitBreaker(h.breakerCfg)
	return h, nil
}

// List implements [Repository] with GET <base>/list.
func (h *HTTPClient) List(ctx context.Context) (json.RawMessage, error) {
	return h.fetch(ctx, "list", h.baseURL+"/list")
}

// Get implements [Repository] with GET <base>.
func (h *HTTPClient) Get(ctx context.Context) (json.RawMessage, error) {
	return h.fetch(ctx, "get", h.baseURL)
}

// Ping reports whether the API answers the list endpoint. An open breaker
// fails immediately.
func (h *HTTPClient) Ping(ctx context.Context) error {
	_, err := h.fetch(ctx, "ping", h.baseURL+"/list")
	return err
}

// BreakerState returns the state of the circuit breaker guarding the API.
func (h *HTTPClient) BreakerState() resilience.State {
	return h.breaker.State()
}

// fetch performs one guarded GET and validates the body.
func (h *HTTPClient) fetch(ctx context.Context, op, url string) (json.RawMessage, error) {
	ctx, span := observe.StartSpan(ctx, "person."+op)
	defer span.End()

	start := time.Now()
	var body json.RawMessage
	err := h.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		body, err = h.get(ctx, url)
		return err
	})

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		h.metrics.RecordProviderError(ctx, h.breakerCfg.Name, "repository")
	}
	h.metrics.RepositoryDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("op", op), observe.Attr("status", status)))

	if err != nil {
		return nil, fmt.Errorf("person: %s: %w", op, err)
	}
	return body, nil
}

// get issues the request and returns the body when it is valid JSON.
func (h *HTTPClient) get(ctx context.Context, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !json.Valid(data) {
		return nil, ErrInvalidPayload
	}
	return json.RawMessage(data), nil
}

// isBackendFailure counts transport errors and 5xx answers against the
// breaker. 4xx answers and caller cancellation do not.
func isBackendFailure(err error) bool {
	if !resilience.CountsAsFailure(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return true
}
