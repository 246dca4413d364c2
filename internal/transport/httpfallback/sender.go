// Package httpfallback delivers one wire unit over plain HTTP when the broker
// cannot take it.
//
// Each unit is POSTed as the raw wire-encoded batch. When a secret is set
// the body is signed with HMAC-SHA256:
//
//	X-Beacon-Signature: sha256=<hex digest of body>
package httpfallback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/snehjoshi/beacon/internal/config"
)

const (
	// HeaderSignature carries the body signature.
	HeaderSignature = "X-Beacon-Signature"
	// HeaderBatch carries the unit GUID.
	HeaderBatch = "X-Beacon-Batch"
	// ContentType is the body media type.
	ContentType = "application/x-protobuf"

	signaturePrefix = "sha256="
	defaultTimeout  = 10 * time.Second
)

// ErrNoURL is returned by New when no endpoint is configured.
var ErrNoURL = errors.New("httpfallback: url is required")

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpfallback: endpoint returned %d: %s", e.Code, e.Body)
}

// Sender implements retry.FallbackSender.
type Sender struct {
	url    string
	secret string
	client *http.Client
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option { return func(s *Sender) { s.client = c } }

// New creates a Sender for cfg.URL.
func New(cfg config.HTTPFallbackConfig, opts ...Option) (*Sender, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &Sender{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Send POSTs payload. Only a 2xx response counts as delivered.
func (s *Sender) Send(ctx context.Context, guid string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("httpfallback: build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set(HeaderBatch, guid)
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(s.secret, payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpfallback: POST %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature of body. Comparison is
// constant-time.
func Verify(secret string, body []byte, sig string) bool {
	want := Sign(secret, body)
	return hmac.Equal([]byte(want), []byte(sig))
}
