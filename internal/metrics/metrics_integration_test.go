package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/olp-quadindex/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_AppMetrics_CustomRegistry_Smoke(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "test"}})
	observability.Init(p.Registerer(), true)
	t.Cleanup(func() { observability.Init(nil, false) })
	observability.ExposeBuildInfo("test")

	observability.ObserveResolve("exact", "hit", 0.004)
	observability.ObserveResolve("aggregated", "miss", 0.010)
	observability.ObserveIndexFetch("ok", 0.003)
	observability.IncIndexCache("redis", "hit")
	observability.ObserveCacheOp("get", nil, 0.002)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	mustContain := []string{
		`tile_resolve_duration_seconds_bucket`,
		`redis_operation_duration_seconds_count`,
		`index_fetch_total{outcome="ok"} 1`,
		`index_cache_results_total{outcome="hit",tier="redis"} 1`,
	}
	for _, s := range mustContain {
		if !strings.Contains(body, s) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", s, body)
		}
	}

	assertHasMetricLine(t, body, "tile_resolve_total", `mode="exact"`, `outcome="hit"`)
	assertHasMetricLine(t, body, "tile_resolve_total", `mode="aggregated"`, `outcome="miss"`)
	assertHasMetricLine(t, body, "tileindexd_build_info", `version="test"`)
	assertHasMetricLine(t, body, "quadindex_build_info", `version="test"`)
}
