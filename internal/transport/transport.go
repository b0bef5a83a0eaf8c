// Package transport carries the HTTP/JSON wire format between the router
// and the worker processes, with a client that carries configurable
// connect/read timeouts instead of a fixed 5s client.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// InferRequest is the wire shape for "submit inference".
type InferRequest struct {
	RequestID string    `json:"request_id"`
	InputData []float32 `json:"input_data"`
}

// InferResponse is the wire shape for a successful inference reply.
type InferResponse struct {
	RequestID       string    `json:"request_id"`
	OutputData      []float32 `json:"output_data"`
	NodeID          string    `json:"node_id"`
	Cached          bool      `json:"cached"`
	InferenceTimeUs int64     `json:"inference_time_us"`
}

// ErrorBody is the structured error object returned on non-200 responses.
type ErrorBody struct {
	Error string `json:"error"`
}

// HealthResponse is the worker's /health payload.
type HealthResponse struct {
	Healthy       bool                  `json:"healthy"`
	NodeID        string                `json:"node_id"`
	TotalRequests int64                 `json:"total_requests"`
	CacheHits     int64                 `json:"cache_hits"`
	CacheSize     int                   `json:"cache_size"`
	CacheHitRate  float64               `json:"cache_hit_rate"`
	BatchProc     BatchProcessorSummary `json:"batch_processor"`
}

// BatchProcessorSummary is the nested batch-processor block of /health.
type BatchProcessorSummary struct {
	TotalBatches   int64   `json:"total_batches"`
	AvgBatchSize   float64 `json:"avg_batch_size"`
	TimeoutBatches int64   `json:"timeout_batches"`
	FullBatches    int64   `json:"full_batches"`
}

// BreakerSummary is one entry of the router's /stats circuit_breakers array.
type BreakerSummary struct {
	Node      string `json:"node"`
	State     string `json:"state"`
	Failures  int    `json:"failures"`
	Successes int    `json:"successes"`
}

// StatsResponse is the router's /stats payload.
type StatsResponse struct {
	TotalWorkers    int              `json:"total_workers"`
	CircuitBreakers []BreakerSummary `json:"circuit_breakers"`
}

// ClientConfig carries the connect/read timeouts exposed as
// router configuration, defaulting to 5s/5s exactly as specified.
type ClientConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// DefaultClientConfig returns the documented transport defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{ConnectTimeout: 5 * time.Second, ReadTimeout: 5 * time.Second}
}

// Client dispatches inference and health requests to one worker over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client for a worker reachable at baseURL, with a
// dedicated *http.Transport honoring the configured connect timeout and an
// overall request deadline honoring the read timeout.
func NewClient(baseURL string, cfg ClientConfig) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: cfg.ReadTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
	}
}

// Infer posts req to the worker's /infer endpoint.
func (c *Client) Infer(ctx context.Context, req InferRequest) (InferResponse, error) {
	var out InferResponse
	if err := c.postJSON(ctx, "/infer", req, &out); err != nil {
		return InferResponse{}, err
	}
	return out, nil
}

// Health gets the worker's /health endpoint.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return HealthResponse{}, err
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("transport: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = fmt.Sprintf("http %d", resp.StatusCode)
		}
		return fmt.Errorf("transport: %s %s: %s", req.Method, req.URL, body.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// WriteJSON writes v as a JSON body with the given status code, the shared
// helper every handler in cmd/router and cmd/worker uses.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": msg} with the given status code.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}
