// Package transport delivers telemetry packets over HTTP.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/solatis/telemetryd/internal/core/auth"
)

// drainLimit caps how much of a response body is read before closing so
// keep-alive connections can be reused without reading unbounded replies.
const drainLimit = 64 * 1024

// HTTP performs single POST and GET requests against the telemetry service.
// Status codes are returned verbatim; deciding what counts as success is the caller's job.
type HTTP struct {
	client *http.Client
	signer *auth.Signer
}

// Option configures an HTTP transport.
type Option func(*HTTP)

// WithClient replaces the default http.Client.
func WithClient(c *http.Client) Option {
	return func(h *HTTP) { h.client = c }
}

// WithSigner signs every POST body. A nil signer leaves requests unsigned.
func WithSigner(s *auth.Signer) Option {
	return func(h *HTTP) { h.signer = s }
}

// NewHTTP creates a transport. timeout bounds each request end to end.
func NewHTTP(timeout time.Duration, opts ...Option) *HTTP {
	h := &HTTP{client: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Post sends body as application/json with any extra headers.
func (h *HTTP) Post(ctx context.Context, url string, body []byte, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if h.signer != nil {
		for k, v := range h.signer.Headers(body) {
			req.Header.Set(k, v)
		}
	}
	return h.do(req)
}

// Get issues a bare GET, used as a connectivity probe.
func (h *HTTP) Get(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	return h.do(req)
}

func (h *HTTP) do(req *http.Request) (int, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
	return resp.StatusCode, nil
}
