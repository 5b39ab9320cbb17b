package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSeriesReusedByLabels(t *testing.T) {
	r := New()
	a := r.Counter("x_total", "help", `source="polling"`)
	b := r.Counter("x_total", "help", `source="polling"`)
	if a != b {
		t.Fatal("same name and labels should return the same counter")
	}
	if other := r.Counter("x_total", "help", `source="webhook"`); other == a {
		t.Fatal("different labels should return a different counter")
	}
}

func TestKindMismatchPanics(t *testing.T) {
	r := New()
	r.Counter("x", "help", "")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when reusing a counter name as a gauge")
		}
	}()
	r.Gauge("x", "help", "")
}

func TestHandlerRendersExposition(t *testing.T) {
	r := New()
	r.Counter("sc3bridge_test_total", "Test counter", `code="200"`).Add(3)
	r.Counter("sc3bridge_test_total", "Test counter", `code="401"`).Inc()
	r.Gauge("sc3bridge_test_gauge", "Test gauge", "").Set(2)
	h := r.Histogram("sc3bridge_test_seconds", "Test histogram", "", []float64{5, 1})
	h.Observe(2)
	h.Observe(9)

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE sc3bridge_test_total counter",
		`sc3bridge_test_total{code="200"} 3`,
		`sc3bridge_test_total{code="401"} 1`,
		"sc3bridge_test_gauge 2",
		`sc3bridge_test_seconds_bucket{le="1"} 0`,
		`sc3bridge_test_seconds_bucket{le="5"} 1`,
		`sc3bridge_test_seconds_bucket{le="+Inf"} 2`,
		"sc3bridge_test_seconds_sum 11",
		"sc3bridge_test_seconds_count 2",
		"sc3bridge_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in output:\n%s", want, body)
		}
	}
	if strings.Index(body, "sc3bridge_test_gauge") > strings.Index(body, "sc3bridge_test_seconds") {
		t.Error("families should be sorted by name")
	}
	if strings.Count(body, "# TYPE sc3bridge_test_total") != 1 {
		t.Error("HELP/TYPE should be written once per family")
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
}

func TestGaugeIncDec(t *testing.T) {
	g := New().Gauge("g", "h", "")
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 1 {
		t.Fatalf("expected 1, got %d", g.Value())
	}
}
