package controlapi

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

	"github.com/hazyhaar/devbrowser/audit"
	"github.com/hazyhaar/devbrowser/horosafe"
	"github.com/hazyhaar/devbrowser/kit"
	"github.com/hazyhaar/devbrowser/refs"
	"github.com/hazyhaar/devbrowser/registry"
	"github.com/hazyhaar/devbrowser/snapshot"
)

// Client talks to a control API server. It also implements refs.Store so
// that short-lived processes resolve refs against the server-held snapshot.
type Client struct {
	base string
	http *http.Client
}

var _ refs.Store = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string { return c.base }

// WSEndpoint asks the server for the browser's DevTools URL.
func (c *Client) WSEndpoint(ctx context.Context) (string, error) {
	var resp endpointResponse
	if err := c.do(ctx, http.MethodGet, "/", nil, &resp); err != nil {
		return "", err
	}
	return resp.WSEndpoint, nil
}

// GetOrCreate returns the target ID of the named page, creating it if needed.
func (c *Client) GetOrCreate(ctx context.Context, name string) (string, error) {
	var resp pageResponse
	if err := c.do(ctx, http.MethodPost, "/pages", pageRequest{Name: name}, &resp); err != nil {
		return "", err
	}
	return resp.TargetID, nil
}

// List returns page names in creation order.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var resp pagesResponse
	if err := c.do(ctx, http.MethodGet, "/pages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pages, nil
}

// Get returns one registry entry.
func (c *Client) Get(ctx context.Context, name string) (registry.Entry, error) {
	var e registry.Entry
	err := c.do(ctx, http.MethodGet, pagePath(name), nil, &e)
	return e, pageErr(name, err)
}

// ClosePage closes the named page.
func (c *Client) ClosePage(ctx context.Context, name string) error {
	return pageErr(name, c.do(ctx, http.MethodDelete, pagePath(name), nil, nil))
}

// Commit stores snap as the page's current snapshot and returns its sequence.
func (c *Client) Commit(ctx context.Context, page string, snap *snapshot.Snapshot) (uint64, error) {
	var resp commitResponse
	if err := c.do(ctx, http.MethodPut, pagePath(page)+"/snapshot", snap, &resp); err != nil {
		return 0, pageErr(page, err)
	}
	return resp.Seq, nil
}

// Current fetches the page's current snapshot.
func (c *Client) Current(ctx context.Context, page string) (*snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	err := c.do(ctx, http.MethodGet, pagePath(page)+"/snapshot", nil, &snap)
	var st *ErrStatus
	if errors.As(err, &st) && st.Status == http.StatusNotFound {
		return nil, refs.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Drop removes the page's current snapshot.
func (c *Client) Drop(ctx context.Context, page string) error {
	return c.do(ctx, http.MethodDelete, pagePath(page)+"/snapshot", nil, nil)
}

// Audit returns the most recent audit entries.
func (c *Client) Audit(ctx context.Context, limit int) ([]*audit.Entry, error) {
	var entries []*audit.Entry
	path := "/audit"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("controlapi: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("controlapi: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := kit.GetTraceID(ctx); id != "" {
		req.Header.Set("X-Trace-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ErrUnreachable{URL: c.base, Cause: err}
	}
	defer resp.Body.Close()

	data, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return fmt.Errorf("controlapi: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var er errorResponse
		_ = json.Unmarshal(data, &er)
		return &ErrStatus{Status: resp.StatusCode, APIKind: er.Kind, Message: er.Error}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("controlapi: decode response: %w", err)
	}
	return nil
}

func pagePath(name string) string {
	return "/pages/" + url.PathEscape(name)
}

// pageErr maps a 404 page_not_found response to *registry.ErrPageNotFound.
func pageErr(name string, err error) error {
	var st *ErrStatus
	if errors.As(err, &st) && st.Status == http.StatusNotFound && st.APIKind == "page_not_found" {
		return &registry.ErrPageNotFound{Name: name}
	}
	return err
}
