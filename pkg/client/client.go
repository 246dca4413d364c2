// Package client talks to the administrative HTTP API of a Beacon collector.
//
// # Quick start
//
//	c := client.New("http://localhost:8080", client.WithAPIKey("secret"))
//
//	// Liveness
//	h, err := c.Health(ctx)
//
//	// Counters
//	s, err := c.Stats(ctx)
//
//	// Push a batch through the HTTP fallback endpoint
//	ack, err := c.Replay(ctx, batch)
//
// # Error handling
//
// All methods return an *APIError when the collector responds with a non-2xx
// status code. A rejected batch on Replay is not an error: the returned Ack
// carries the rejection code.
//
// Client is safe for concurrent use.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/snehjoshi/beacon/internal/transport/httpfallback"
	"github.com/snehjoshi/beacon/internal/transport/websocket"
	"github.com/snehjoshi/beacon/internal/types"
	"github.com/snehjoshi/beacon/internal/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the collector responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("beacon: collector returned %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the collector.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// ─── Client options ───────────────────────────────────────────────────────────

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the key sent as X-Api-Key on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithSecret sets the HMAC secret used to sign Replay bodies.
func WithSecret(secret string) Option {
	return func(c *Client) { c.secret = secret }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is a collector API client.
type Client struct {
	baseURL string
	apiKey  string
	secret  string
	http    *http.Client
}

// New creates a Client for the collector at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HealthInfo is the /health response.
type HealthInfo struct {
	Status string `json:"status"`
}

// Stats is a snapshot of the collector's counters.
type Stats struct {
	Batches  int64
	Events   int64
	Rejected int64
	Uptime   time.Duration
}

// Health checks the collector's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var h HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Stats returns the collector's batch counters.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var resp struct {
		Batches  int64 `json:"batches"`
		Events   int64 `json:"events"`
		Rejected int64 `json:"rejected"`
		UptimeS  int64 `json:"uptime_s"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/stats", "", nil, &resp); err != nil {
		return nil, err
	}
	return &Stats{
		Batches:  resp.Batches,
		Events:   resp.Events,
		Rejected: resp.Rejected,
		Uptime:   time.Duration(resp.UptimeS) * time.Second,
	}, nil
}

// Replay posts b to the fallback endpoint and returns the collector's ack.
// A 422 response decodes to a rejected ack rather than an error.
func (c *Client) Replay(ctx context.Context, b *types.Batch) (wire.Ack, error) {
	if b == nil || b.UUID == "" {
		return wire.Ack{}, errors.New("beacon: replay needs a batch with a UUID")
	}
	body := wire.MarshalBatch(b, time.Now())

	var ack wire.Ack
	err := c.do(ctx, http.MethodPost, "/fallback", b.UUID, body, &ack)
	var ae *APIError
	if errors.As(err, &ae) && ae.StatusCode == http.StatusUnprocessableEntity {
		return ack, nil
	}
	return ack, err
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single request. A non-nil body is sent as protobuf and signed
// when a secret is configured; resp is decoded from JSON even on error
// statuses so callers can read rejection acks.
func (c *Client) do(ctx context.Context, method, path, guid string, body []byte, resp any) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("beacon: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", httpfallback.ContentType)
		req.Header.Set(httpfallback.HeaderBatch, guid)
		if c.secret != "" {
			req.Header.Set(httpfallback.HeaderSignature, httpfallback.Sign(c.secret, body))
		}
	}
	if c.apiKey != "" {
		req.Header.Set(websocket.HeaderAPIKey, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("beacon: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("beacon: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		if resp != nil {
			_ = json.Unmarshal(respBody, resp)
		}
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("beacon: decode response: %w", err)
		}
	}
	return nil
}
