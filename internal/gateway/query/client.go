// Package query calls the platform's query and metadata APIs for quadtree index sub-trees.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/olp-quadindex/internal/core/observability"
	"github.com/mohammed-shakir/olp-quadindex/internal/index"
	"github.com/mohammed-shakir/olp-quadindex/internal/quadkey"
)

// LatestVersion as a configured version makes every fetch ask the metadata API first.
const LatestVersion int64 = -1

// StatusError is a non-2xx platform response.
type StatusError struct {
	API    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api: status %d: %s", e.API, e.Status, e.Body)
}

type Config struct {
	QueryBaseURL    string
	MetadataBaseURL string
	Token           string
	BillingTag      string
	Version         int64
}

type Client struct {
	logger   *slog.Logger
	client   *http.Client
	queryURL *url.URL
	metaURL  *url.URL
	token    string
	billing  string
	version  int64
}

func New(logger *slog.Logger, client *http.Client, cfg Config) (*Client, error) {
	q, err := url.Parse(strings.TrimRight(cfg.QueryBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse query url: %w", err)
	}
	m, err := url.Parse(strings.TrimRight(cfg.MetadataBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse metadata url: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		logger:   logger,
		client:   client,
		queryURL: q,
		metaURL:  m,
		token:    cfg.Token,
		billing:  cfg.BillingTag,
		version:  cfg.Version,
	}, nil
}

// Layer binds the client to one layer so it can serve as a resolver gateway.
func (c *Client) Layer(layer string) *LayerGateway {
	return &LayerGateway{c: c, layer: layer}
}

type LayerGateway struct {
	c     *Client
	layer string
}

func (g *LayerGateway) FetchIndex(ctx context.Context, root quadkey.QuadKey, depth int) (index.FetchResult, error) {
	return g.c.FetchIndex(ctx, g.layer, root, depth)
}

// FetchIndex returns the index sub-tree of depth levels rooted at root. A 204 response
// is an empty result.
func (c *Client) FetchIndex(ctx context.Context, layer string, root quadkey.QuadKey, depth int) (index.FetchResult, error) {
	code, err := quadkey.Encode(root)
	if err != nil {
		return index.FetchResult{}, err
	}
	version := c.version
	if version < 0 {
		if version, err = c.LatestVersion(ctx); err != nil {
			return index.FetchResult{}, err
		}
	}

	u := *c.queryURL
	const tmpl = "%s/layers/%s/versions/%d/quadkeys/%s/depths/%d"
	u.Path = fmt.Sprintf(tmpl, c.queryURL.Path, layer, version, code, depth)
	u.RawPath = fmt.Sprintf(tmpl, c.queryURL.EscapedPath(), url.PathEscape(layer), version, code, depth)
	if c.billing != "" {
		u.RawQuery = url.Values{"billingTag": {c.billing}}.Encode()
	}

	var out index.FetchResult
	status, err := c.getJSON(ctx, "query", u.String(), &out)
	if err != nil {
		return index.FetchResult{}, err
	}
	c.logger.DebugContext(ctx, "index fetched",
		"layer", layer, "version", version, "root", code.String(), "depth", depth,
		"status", status, "sub_quads", len(out.SubQuads), "parent_quads", len(out.ParentQuads))
	return out, nil
}

// LatestVersion asks the metadata API for the catalog's latest version.
func (c *Client) LatestVersion(ctx context.Context) (int64, error) {
	u := *c.metaURL
	u.Path = c.metaURL.Path + "/versions/latest"
	v := url.Values{"startVersion": {"-1"}}
	if c.billing != "" {
		v.Set("billingTag", c.billing)
	}
	u.RawQuery = v.Encode()

	var out struct {
		Version *int64 `json:"version"`
	}
	status, err := c.getJSON(ctx, "metadata", u.String(), &out)
	if err != nil {
		return 0, err
	}
	if status == http.StatusNoContent || out.Version == nil {
		return 0, fmt.Errorf("metadata api: latest version missing from response")
	}
	return *out.Version, nil
}

// getJSON decodes a 2xx body into dst; 204 leaves dst untouched.
func (c *Client) getJSON(ctx context.Context, api, target string, dst any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		observability.ObserveUpstreamLatency(api, 0, time.Since(start).Seconds())
		return 0, fmt.Errorf("%s request: %w", api, err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveUpstreamLatency(api, resp.StatusCode, time.Since(start).Seconds())

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return resp.StatusCode, &StatusError{API: api, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return resp.StatusCode, fmt.Errorf("%s response: %w", api, err)
	}
	return resp.StatusCode, nil
}

func (c *Client) String() string {
	return "query(" + c.queryURL.Redacted() + ", version=" + strconv.FormatInt(c.version, 10) + ")"
}
