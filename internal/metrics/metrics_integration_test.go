package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/mocgen/internal/core/observability"
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
	observability.ExposeBuildInfo("test")

	observability.ObserveBuild("succeeded", 0.010, 128)
	observability.ObserveBuild("interrupted", 0.002, 0)
	observability.AddPlaneRows("image", 5, 1)
	observability.ObserveCacheOp("get", nil, 0.002)
	observability.IncStoreLookup("tiles", "hit")
	observability.IncKafka("consumed", "decode_error")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	mustContain := []string{
		`moc_build_duration_seconds_bucket`,
		`moc_build_cells_count`,
		`redis_operation_duration_seconds_count`,
		`go_goroutines`,
	}
	for _, s := range mustContain {
		if !strings.Contains(body, s) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", s, body)
		}
	}

	assertHasMetricLine(t, body, "moc_builds_total", `outcome="succeeded"`)
	assertHasMetricLine(t, body, "moc_builds_total", `outcome="interrupted"`)
	assertHasMetricLine(t, body, "moc_plane_rows_total", `kind="image"`, `result="skipped"`)
	assertHasMetricLine(t, body, "moc_store_lookups_total", `store="tiles"`, `outcome="hit"`)
	assertHasMetricLine(t, body, "moc_kafka_messages_total", `direction="consumed"`, `result="decode_error"`)
	assertHasMetricLine(t, body, "mocgen_build_info", `version="test"`)
}
