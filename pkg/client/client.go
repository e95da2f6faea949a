// Package client is a typed Go client for a relay's producer and consumer
// endpoints: push, pull and health.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-relay/pkg/api"
	"github.com/Mindburn-Labs/helm-relay/pkg/events"
)

// APIError is returned when the relay responds with a non-2xx status. It
// carries the decoded Problem Detail when the relay sent one.
type APIError struct {
	Status  int
	Problem *api.ProblemDetail
}

func (e *APIError) Error() string {
	if e.Problem != nil {
		return fmt.Sprintf("relay api %d: %s", e.Status, e.Problem.Error())
	}
	return fmt.Sprintf("relay api %d", e.Status)
}

// RelayClient talks to one relay.
type RelayClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a client for the relay at baseURL.
func New(baseURL string, opts ...Option) *RelayClient {
	c := &RelayClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*RelayClient)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *RelayClient) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *RelayClient) { c.HTTPClient = hc }
}

func (c *RelayClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var problem api.ProblemDetail
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil && problem.Status != 0 {
			apiErr.Problem = &problem
		}
		return apiErr
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Push submits a batch of signed candidates. Per-event outcomes are in the
// response; an error means the batch as a whole was refused.
func (c *RelayClient) Push(ctx context.Context, batch []*events.Candidate) (*api.PushResponse, error) {
	if batch == nil {
		batch = []*events.Candidate{}
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	return c.PushRaw(ctx, body)
}

// PushRaw submits an already encoded batch body unchanged, so producers can
// push exactly the bytes they signed.
func (c *RelayClient) PushRaw(ctx context.Context, body []byte) (*api.PushResponse, error) {
	var out api.PushResponse
	if err := c.do(ctx, http.MethodPost, "/relay/push", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pull reads up to limit events with server_seq > since. limit <= 0 uses
// the relay default.
func (c *RelayClient) Pull(ctx context.Context, since int64, limit int) (*api.PullResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out api.PullResponse
	if err := c.do(ctx, http.MethodGet, "/relay/pull?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PullAll follows next_cursor from since until the relay has nothing newer,
// calling fn for every page.
func (c *RelayClient) PullAll(ctx context.Context, since int64, limit int, fn func(*api.PullResponse) error) (int64, error) {
	for {
		page, err := c.Pull(ctx, since, limit)
		if err != nil {
			return since, err
		}
		if len(page.Events) == 0 {
			return since, nil
		}
		if err := fn(page); err != nil {
			return since, err
		}
		since = page.NextCursor
	}
}

// Health calls GET /health.
func (c *RelayClient) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("relay reports status %q", out.Status)
	}
	return nil
}
