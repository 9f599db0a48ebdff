// Package router serves tile lookups over HTTP.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/olp-quadindex/internal/gateway/blob"
	"github.com/mohammed-shakir/olp-quadindex/internal/gateway/query"
	"github.com/mohammed-shakir/olp-quadindex/internal/index"
	mylog "github.com/mohammed-shakir/olp-quadindex/internal/logger"
	"github.com/mohammed-shakir/olp-quadindex/internal/quadkey"
	"github.com/mohammed-shakir/olp-quadindex/internal/resolver"
)

const (
	ModeExact      = "exact"
	ModeAggregated = "aggregated"
)

// Resolvers hands out the resolver of one layer.
type Resolvers interface {
	For(layer string) (*resolver.Resolver, error)
}

// Blobs streams tile payloads by data handle.
type Blobs interface {
	Get(ctx context.Context, layer, handle string, opts blob.Options) (*http.Response, error)
}

type Handlers struct {
	logger *slog.Logger
	res    Resolvers
	blobs  Blobs
}

// New wires the handlers; blobs may be nil, which leaves the data route unmounted.
func New(logger *slog.Logger, res Resolvers, blobs Blobs) *Handlers {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handlers{logger: logger, res: res, blobs: blobs}
}

func (h *Handlers) Mount(r chi.Router) {
	r.Route("/layers/{layer}", func(r chi.Router) {
		r.Get("/tiles/{quadkey}", h.tile)
		if h.blobs != nil {
			r.Get("/tiles/{quadkey}/data", h.tileData)
		}
		r.Get("/index/{quadkey}", h.index)
		r.Get("/point", h.point)
	})
}

type tileJSON struct {
	QuadKey string `json:"quadKey"`
	Level   uint32 `json:"level"`
	Row     uint32 `json:"row"`
	Column  uint32 `json:"column"`
}

type tileResponse struct {
	tileJSON
	Mode       string   `json:"mode"`
	DataHandle string   `json:"dataHandle"`
	Owner      tileJSON `json:"owner"`
}

type indexResponse struct {
	Root    tileJSON      `json:"root"`
	Depth   int           `json:"depth"`
	Entries []index.Entry `json:"entries"`
}

func toJSON(q quadkey.QuadKey) tileJSON {
	code, _ := quadkey.Encode(q)
	return tileJSON{QuadKey: code.String(), Level: q.Level, Row: q.Row, Column: q.Column}
}

// lookup is the outcome of resolving one tile in either mode.
type lookup struct {
	handle string
	owner  quadkey.QuadKey
	found  bool
}

func (h *Handlers) resolve(ctx context.Context, layer, mode string, q quadkey.QuadKey) (lookup, error) {
	rs, err := h.res.For(layer)
	if err != nil {
		return lookup{}, err
	}
	if mode == ModeAggregated {
		res, ok, err := rs.ResolveAggregated(ctx, q)
		return lookup{handle: res.Handle, owner: res.QuadKey, found: ok}, err
	}
	handle, ok, err := rs.ResolveExact(ctx, q)
	return lookup{handle: handle, owner: q, found: ok}, err
}

func parseMode(r *http.Request) (string, error) {
	switch m := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("mode"))); m {
	case "", ModeExact:
		return ModeExact, nil
	case ModeAggregated:
		return ModeAggregated, nil
	default:
		return "", fmt.Errorf("mode must be %s or %s, got %q", ModeExact, ModeAggregated, m)
	}
}

func (h *Handlers) tile(w http.ResponseWriter, r *http.Request) {
	layer := chi.URLParam(r, "layer")
	mode, err := parseMode(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q, err := quadkey.FromString(chi.URLParam(r, "quadkey"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.serveTile(w, r, layer, mode, q)
}

func (h *Handlers) point(w http.ResponseWriter, r *http.Request) {
	layer := chi.URLParam(r, "layer")
	mode, err := parseMode(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q, err := parsePoint(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.serveTile(w, r, layer, mode, q)
}

func parsePoint(r *http.Request) (quadkey.QuadKey, error) {
	v := r.URL.Query()
	lat, err := strconv.ParseFloat(strings.TrimSpace(v.Get("lat")), 64)
	if err != nil {
		return quadkey.QuadKey{}, fmt.Errorf("invalid lat: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(v.Get("lon")), 64)
	if err != nil {
		return quadkey.QuadKey{}, fmt.Errorf("invalid lon: %w", err)
	}
	level, err := strconv.ParseUint(strings.TrimSpace(v.Get("level")), 10, 32)
	if err != nil {
		return quadkey.QuadKey{}, fmt.Errorf("invalid level: %w", err)
	}
	return quadkey.FromLatLon(lat, lon, uint32(level))
}

func (h *Handlers) serveTile(w http.ResponseWriter, r *http.Request, layer, mode string, q quadkey.QuadKey) {
	ctx := mylog.WithMode(mylog.WithLayer(r.Context(), layer), mode)
	lk, err := h.resolve(ctx, layer, mode, q)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if !lk.found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, tileResponse{
		tileJSON:   toJSON(q),
		Mode:       mode,
		DataHandle: lk.handle,
		Owner:      toJSON(lk.owner),
	})
}

func (h *Handlers) tileData(w http.ResponseWriter, r *http.Request) {
	layer := chi.URLParam(r, "layer")
	mode, err := parseMode(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q, err := quadkey.FromString(chi.URLParam(r, "quadkey"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := mylog.WithMode(mylog.WithLayer(r.Context(), layer), mode)
	lk, err := h.resolve(ctx, layer, mode, q)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if !lk.found {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp, err := h.blobs.Get(ctx, layer, lk.handle, blob.Options{
		Range:      r.Header.Get("Range"),
		BillingTag: r.URL.Query().Get("billingTag"),
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for _, k := range []string{"Content-Type", "Content-Length", "Content-Range", "Content-Encoding", "Accept-Ranges", "ETag"} {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	if mode == ModeAggregated {
		code, _ := quadkey.Encode(lk.owner)
		w.Header().Set("X-Tile-QuadKey", code.String())
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.WarnContext(ctx, "tile stream interrupted", "handle", lk.handle, "err", err)
	}
}

func (h *Handlers) index(w http.ResponseWriter, r *http.Request) {
	layer := chi.URLParam(r, "layer")
	root, err := quadkey.FromString(chi.URLParam(r, "quadkey"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := mylog.WithLayer(r.Context(), layer)
	rs, err := h.res.For(layer)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	m, err := rs.IndexFor(ctx, root)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, indexResponse{Root: toJSON(root), Depth: rs.IndexDepth(), Entries: m.Entries()})
}

// writeError maps resolution failures: bad input is the caller's, an upstream 404 is
// passed on, everything else is a gateway failure.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var se *query.StatusError
	switch {
	case resolver.IsInvalidInput(err), errors.Is(err, resolver.ErrEmptyLayer):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &se) && se.Status == http.StatusNotFound:
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.WarnContext(ctx, "upstream timed out", "err", err)
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	default:
		h.logger.ErrorContext(ctx, "tile lookup failed", "err", err)
		http.Error(w, "upstream failure", http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
