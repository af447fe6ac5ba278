// Package vision provides the HTTP client for card-extraction inference
// backends. A backend accepts an image reference and returns extracted card
// fields as JSON; non-2xx and timeout are the only failure signals the
// caller sees, backend-specific error bodies are never parsed.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the inference backend operations. Retry and fallback are
// owned by the router, not the client: Extract is a single attempt.
type Client interface {
	// Extract submits an image reference and returns the raw JSON payload
	// on success. Validation of the payload happens at the router's
	// parsing boundary.
	Extract(ctx context.Context, imageRef string) ([]byte, error)

	// Health probes the backend's readiness endpoint. Used by the serve
	// loop's keep-warm probe.
	Health(ctx context.Context) error

	// ModelVersion identifies the backend model for idempotency keys.
	ModelVersion() string
}

// Option configures the vision client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithAPIKey sets a bearer token for backends that require one.
func WithAPIKey(key string) Option {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

type httpClient struct {
	baseURL      string
	modelVersion string
	apiKey       string
	http         *http.Client
}

// NewClient creates a vision backend client. The caller bounds each call
// through its context; the underlying transport timeout is only a safety
// net for connection setup.
func NewClient(baseURL, modelVersion string, opts ...Option) Client {
	c := &httpClient{
		baseURL:      baseURL,
		modelVersion: modelVersion,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) ModelVersion() string {
	return c.modelVersion
}

type extractRequest struct {
	ImageRef string `json:"image_ref"`
}

func (c *httpClient) Extract(ctx context.Context, imageRef string) ([]byte, error) {
	payload, err := json.Marshal(extractRequest{ImageRef: imageRef})
	if err != nil {
		return nil, eris.Wrap(err, "vision: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "vision: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "vision: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "vision: read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, eris.Errorf("vision: unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

func (c *httpClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return eris.Wrap(err, "vision: create health request")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "vision: health request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("vision: health status %d", resp.StatusCode)
	}
	return nil
}
