// Package forecast proxies demand-forecast requests to the external model
// service. It performs exactly one call per request and never retries.
package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrUnreachable wraps transport-level failures (refused, DNS, timeout).
	ErrUnreachable = errors.New("forecast service unreachable")
	// ErrDecode means the service answered 2xx with a body we cannot parse.
	ErrDecode = errors.New("forecast response undecodable")
)

// maxErrorBody caps how much of an upstream error body is relayed.
const maxErrorBody = 64 << 10

// Request asks for a forecast of one product at one store.
type Request struct {
	ProductID string `json:"product_id" validate:"required"`
	StoreID   string `json:"store_id" validate:"required"`
}

// Response is the model service's answer, passed through unchanged.
type Response struct {
	StoreID         string    `json:"store_id"`
	ProductID       string    `json:"product_id"`
	CurrentStock    int       `json:"current_stock"`
	PredictedDemand int       `json:"predicted_demand"`
	Status          string    `json:"status"`
	DailyForecast   []float64 `json:"daily_forecast"`
}

// UpstreamError is a non-2xx answer from the model service.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("forecast service returned %d: %s", e.StatusCode, e.Body)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Endpoint is the full URL of the model's predict route.
	Endpoint string
	// Timeout bounds one call; 30s when zero.
	Timeout time.Duration
	// HTTPClient overrides the transport, for tests.
	HTTPClient *http.Client
}

// Client calls the forecast model service.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
}

// NewClient creates a Client from cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("forecast: endpoint is required")
	}
	c := &Client{
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		http:     cfg.HTTPClient,
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c, nil
}

// Predict posts req to the model service and decodes its answer. A non-2xx
// status yields *UpstreamError carrying the response body.
func (c *Client) Predict(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding forecast request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building forecast request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err != nil {
			return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: "could not read error body"}
		}
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return &out, nil
}
