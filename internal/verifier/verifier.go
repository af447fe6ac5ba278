// Package verifier submits a proposed identification to a secondary model
// for a binary second opinion. The verifier sees the original image plus
// the pipeline's proposed card and confidence; its verdict settles a
// capture that the decision engine would not auto-approve outright.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Request carries everything the secondary model needs to judge a proposal.
type Request struct {
	CaptureID  string  `json:"capture_id"`
	ImageRef   string  `json:"image_ref"`
	CardID     string  `json:"card_id,omitempty"`
	CardTitle  string  `json:"card_title"`
	SetName    string  `json:"set_name"`
	Confidence float64 `json:"confidence"`
}

// Verdict is the secondary model's judgement. Confidence is the verifier's
// own assessment, recorded alongside the original for the audit trail.
type Verdict struct {
	Approved   bool    `json:"approved"`
	Confidence float64 `json:"confidence"`
}

// Client defines the secondary-verifier operations.
type Client interface {
	Verify(ctx context.Context, req Request) (*Verdict, error)
}

// Option configures the verifier client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithAPIKey sets a bearer token.
func WithAPIKey(key string) Option {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

type httpClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a verifier backend client.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Verify(ctx context.Context, vr Request) (*Verdict, error) {
	payload, err := json.Marshal(vr)
	if err != nil {
		return nil, eris.Wrap(err, "verifier: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "verifier: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "verifier: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "verifier: read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, eris.Errorf("verifier: unexpected status %d", resp.StatusCode)
	}

	var v Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, eris.Wrap(err, "verifier: decode verdict")
	}
	return &v, nil
}
