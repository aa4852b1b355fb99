// Package busclient is a typed wrapper around the event-bus service's REST
// and SSE surface (spec.md §6). It carries a mutable header bag — headers
// set with SetHeader are attached to every subsequent call until removed —
// so the JWT refresher (internal/security) and the daemon orchestrator can
// overlay credentials without each call site knowing about authentication.
//
// Modeled on wingedpig-trellis/pkg/client: functional-option construction,
// base-URL trailing-slash stripping, and a single do/parseResponse core
// that every typed method funnels through.
package busclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// defaultTimeout is the HTTP request timeout (§5: "HTTP requests 30 s").
const defaultTimeout = 30 * time.Second

// Client is a typed REST + SSE client for the event-bus service.
//
// Safe for concurrent use: the header bag is guarded by a mutex since it is
// written by the JWT refresher and read by every outgoing request.
type Client struct {
	baseURL    string
	credential string
	httpClient *http.Client

	mu      sync.RWMutex
	headers map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client (e.g. for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout overrides the default 30s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a Client against baseURL, authenticating every request with
// credential as a bearer token. Trailing slashes on baseURL are stripped.
func New(baseURL, credential string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		httpClient: &http.Client{Timeout: defaultTimeout},
		headers:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetHeader sets a header that is attached to every subsequent request.
// Mutations are visible to all calls made after this returns, including
// calls already in flight only if they have not yet built their request.
func (c *Client) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

// RemoveHeader removes a previously set header.
func (c *Client) RemoveHeader(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.headers, key)
}

// Header returns the current value of a previously set header, and whether
// it is set at all. Used by callers (e.g. the JWT refresher) that need to
// read back a header they attached earlier.
func (c *Client) Header(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.headers[key]
	return v, ok
}

// APIError represents a non-2xx response from the bus service. Code and
// Message come from the body's structured error when present; otherwise
// Code is empty and Message is the trimmed response body.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("bus: %s (status %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("bus: status %d: %s", e.StatusCode, e.Message)
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// get performs a GET request and returns the raw response body.
func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// postJSON performs a POST request with a JSON body.
func (c *Client) postJSON(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodPost, path, body)
}

// patchJSON performs a PATCH request with a JSON body.
func (c *Client) patchJSON(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodPatch, path, body)
}

// putJSON performs a PUT request with a JSON body.
func (c *Client) putJSON(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodPut, path, body)
}

// deleteReq performs a DELETE request.
func (c *Client) deleteReq(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("busclient: marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, r)
}

// do performs an HTTP request and returns the parsed response body, applying
// the bearer credential and every header currently in the header bag.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("busclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	c.mu.RLock()
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("busclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("busclient: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var env errorEnvelope
		if json.Unmarshal(respBody, &env) == nil && env.Error.Message != "" {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}

	if len(respBody) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(respBody), nil
}

// newStreamRequest builds (but does not send) the GET request used to open
// the SSE subscription, so internal/eventstream can drive the read loop
// itself while still going through this client's header bag and base URL.
func (c *Client) newStreamRequest(ctx context.Context, machineID, lastEventID string) (*http.Request, error) {
	path := fmt.Sprintf("/v1/messages/stream?machine_id=%s", machineID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("busclient: build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	c.mu.RLock()
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	c.mu.RUnlock()

	return req, nil
}

// Do sends an arbitrary *http.Request built with NewStreamRequest using this
// client's underlying *http.Client. Exposed so internal/eventstream can open
// and read the streaming response body directly.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	// Streaming reads must not inherit the client's default request timeout.
	streamClient := &http.Client{
		Transport: c.httpClient.Transport,
	}
	return streamClient.Do(req)
}

// NewStreamRequest exposes newStreamRequest to internal/eventstream.
func (c *Client) NewStreamRequest(ctx context.Context, machineID, lastEventID string) (*http.Request, error) {
	return c.newStreamRequest(ctx, machineID, lastEventID)
}

// KeepaliveProbe issues a cheap GET used by the SSE consumer to detect a
// silently-dead socket (§4.4). Reuses the agent-list endpoint with a small
// limit, per §6 ("also used as keepalive probe").
func (c *Client) KeepaliveProbe(ctx context.Context) error {
	_, err := c.get(ctx, "/v1/agents?limit=1")
	return err
}
