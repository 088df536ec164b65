// Package client is a Go client for the dockmaster HTTP API. It mirrors
// the daemon's wire types so importers never depend on dockmaster
// internals.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Client talks to a dockmaster daemon over its HTTP API.
type Client struct {
	base string
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client, e.g. to set timeouts
// or a custom transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a Client for the daemon at base, e.g. "http://127.0.0.1:7430".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(base, "/"),
		http: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status   int
	Message  string
	Problems []string // populated for stack configuration errors
}

func (e *APIError) Error() string {
	if len(e.Problems) > 0 {
		return fmt.Sprintf("%s:\n  %s", e.Message, strings.Join(e.Problems, "\n  "))
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// Health reports whether the daemon is reachable and serving.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

// Status returns the daemon's merged view of declared and observed
// services, including per-service outcomes from the most recent pass.
func (c *Client) Status(ctx context.Context) (*StackStatus, error) {
	var st StackStatus
	if err := c.get(ctx, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Plan returns what a reconciliation pass would do right now, without
// applying anything.
func (c *Client) Plan(ctx context.Context) (*Plan, error) {
	var p Plan
	if err := c.get(ctx, "/plan", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Reconcile asks the daemon to run a pass. It returns once the request
// is accepted; progress arrives on Events.
func (c *Client) Reconcile(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/reconcile", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request reconcile: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return decodeError(resp)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// decodeError turns an error response body into an *APIError. Bodies
// that fail to decode still yield the HTTP status.
func decodeError(resp *http.Response) error {
	apiErr := &APIError{
		Status:  resp.StatusCode,
		Message: http.StatusText(resp.StatusCode),
	}
	var body struct {
		Error    string   `json:"error"`
		Problems []string `json:"problems"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Problems = body.Problems
	}
	return apiErr
}
