// Package blob fetches tile payloads from the platform's blob API by data handle.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammed-shakir/olp-quadindex/internal/core/observability"
	"github.com/mohammed-shakir/olp-quadindex/internal/gateway/query"
)

var ErrEmptyHandle = errors.New("blob: empty data handle")

// Options are per-request; Range is passed through as the HTTP Range header.
type Options struct {
	Range      string
	BillingTag string
}

type Config struct {
	BaseURL    string
	Token      string
	BillingTag string
}

type Client struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL *url.URL
	token   string
	billing string
}

func New(logger *slog.Logger, client *http.Client, cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse blob url: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{logger: logger, client: client, baseURL: u, token: cfg.Token, billing: cfg.BillingTag}, nil
}

// Get returns the blob response for streaming; the caller closes the body. Non-2xx
// responses are returned as *query.StatusError with the body already drained.
func (c *Client) Get(ctx context.Context, layer, handle string, opts Options) (*http.Response, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, ErrEmptyHandle
	}
	u := *c.baseURL
	const tmpl = "%s/layers/%s/data/%s"
	u.Path = fmt.Sprintf(tmpl, c.baseURL.Path, layer, handle)
	u.RawPath = fmt.Sprintf(tmpl, c.baseURL.EscapedPath(), url.PathEscape(layer), url.PathEscape(handle))

	tag := opts.BillingTag
	if tag == "" {
		tag = c.billing
	}
	if tag != "" {
		u.RawQuery = url.Values{"billingTag": {tag}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if opts.Range != "" {
		req.Header.Set("Range", opts.Range)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		observability.ObserveUpstreamLatency("blob", 0, time.Since(start).Seconds())
		return nil, fmt.Errorf("blob request: %w", err)
	}
	observability.ObserveUpstreamLatency("blob", resp.StatusCode, time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, &query.StatusError{API: "blob", Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	c.logger.DebugContext(ctx, "blob fetched", "layer", layer, "handle", handle, "status", resp.StatusCode)
	return resp, nil
}
