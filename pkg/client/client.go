// Package client is a Go client for the tiermem HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/orchestra/tiermem/pkg/api/response"
	"github.com/orchestra/tiermem/pkg/consolidation"
	"github.com/orchestra/tiermem/pkg/manager"
	"github.com/orchestra/tiermem/pkg/memory"
)

// DefaultTimeout bounds a request when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

// Error is a non-2xx answer from the server.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("tiermem: %d %s: %s (request %s)", e.StatusCode, e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("tiermem: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is maps server error codes onto the memory package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case memory.ErrNotFound:
		return e.Code == response.ErrCodeNotFound
	case memory.ErrTierUnavailable:
		return e.Code == response.ErrCodeTierUnavailable
	}
	return false
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithPropagator sets the propagator used to inject trace context. The
// global propagator is used by default.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(c *Client) {
		c.propagator = p
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// Client talks to one tiermem server.
type Client struct {
	base       *url.URL
	http       *http.Client
	propagator propagation.TextMapPropagator
	userAgent  string
}

// New creates a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: missing host", baseURL)
	}

	c := &Client{
		base:      u,
		http:      &http.Client{Timeout: DefaultTimeout},
		userAgent: "tiermem-client",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StoreRequest is the body of a store call.
type StoreRequest struct {
	ID        string              `json:"id,omitempty"`
	OwnerID   string              `json:"owner_id"`
	SessionID string              `json:"session_id,omitempty"`
	Type      memory.ItemType     `json:"item_type"`
	Content   string              `json:"content"`
	Privacy   memory.PrivacyLevel `json:"privacy_level,omitempty"`
	Metadata  map[string]any      `json:"metadata,omitempty"`

	// TTL is sent in whole seconds.
	TTL time.Duration `json:"-"`
}

type storeBody struct {
	StoreRequest
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// DeleteResult is the answer to a delete call.
type DeleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// ForgetResult is the answer to a forget-owner call.
type ForgetResult struct {
	OwnerID string `json:"owner_id"`
	Removed int    `json:"removed"`
}

// Status is the server's health summary.
type Status struct {
	Status  string               `json:"status"`
	Uptime  string               `json:"uptime"`
	Version map[string]string    `json:"version"`
	Tiers   []manager.TierStatus `json:"tiers"`
}

// Store writes an item to short-term memory.
func (c *Client) Store(ctx context.Context, req StoreRequest) (*manager.StoreResult, error) {
	body := storeBody{StoreRequest: req, TTLSeconds: int(req.TTL / time.Second)}
	var out manager.StoreResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/memory", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get retrieves an item by id.
func (c *Client) Get(ctx context.Context, id string) (*memory.Item, error) {
	var out memory.Item
	if err := c.do(ctx, http.MethodGet, "/api/v1/memory/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Append adds text to a short-term item.
func (c *Client) Append(ctx context.Context, id, text string) (*memory.Item, error) {
	var out memory.Item
	body := map[string]string{"text": text}
	if err := c.do(ctx, http.MethodPatch, "/api/v1/memory/"+url.PathEscape(id), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Query runs a structured or semantic query across the tiers.
func (c *Client) Query(ctx context.Context, q memory.Query) (*manager.QueryResult, error) {
	var out manager.QueryResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/memory/query", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes an item from whichever tier holds it.
func (c *Client) Delete(ctx context.Context, id string) (*DeleteResult, error) {
	var out DeleteResult
	if err := c.do(ctx, http.MethodDelete, "/api/v1/memory/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ForgetOwner removes every item belonging to ownerID.
func (c *Client) ForgetOwner(ctx context.Context, ownerID string) (*ForgetResult, error) {
	var out ForgetResult
	if err := c.do(ctx, http.MethodDelete, "/api/v1/owners/"+url.PathEscape(ownerID)+"/memory", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Consolidate runs one consolidation pass. A pass skipped because another
// instance holds the lock returns a report with Skipped set.
func (c *Client) Consolidate(ctx context.Context) (*consolidation.Report, error) {
	var out consolidation.Report
	if err := c.do(ctx, http.MethodPost, "/api/v1/consolidation/run", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LastConsolidation returns the report of the most recent pass.
func (c *Client) LastConsolidation(ctx context.Context) (*consolidation.Report, error) {
	var out consolidation.Report
	if err := c.do(ctx, http.MethodGet, "/api/v1/consolidation/last", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the cached tier statuses. With refresh set the server
// runs a health check first.
func (c *Client) Status(ctx context.Context, refresh bool) (*Status, error) {
	method, path := http.MethodGet, "/status"
	if refresh {
		method, path = http.MethodPost, "/status/refresh"
	}
	var out Status
	if err := c.do(ctx, method, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	propagator := c.propagator
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	e := &Error{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var env response.ErrorResponse
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Code != "" {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
		e.RequestID = env.Error.RequestID
		return e
	}

	e.Code = http.StatusText(resp.StatusCode)
	e.Message = strings.TrimSpace(string(raw))
	e.RequestID = resp.Header.Get("X-Request-ID")
	return e
}

// IsNotFound reports whether err is a not-found answer.
func IsNotFound(err error) bool {
	return errors.Is(err, memory.ErrNotFound)
}
