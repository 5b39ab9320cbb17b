// Package metrics keeps the bridge's counters, gauges and histograms and
// serves them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the process-wide registry the bridge records into.
var Default = New()

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// family groups every labelled series that shares one metric name.
type family struct {
	name    string
	help    string
	kind    kind
	buckets []float64
	series  map[string]any // rendered label set -> *Counter | *Gauge | *Histogram
}

// Registry owns metric families. Series are created on first use and live
// for the life of the registry.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
	started  time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{families: make(map[string]*family), started: time.Now()}
}

// Uptime is the time since the registry was created.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.started)
}

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge moves both ways.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.v.Store(n) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	mu     sync.Mutex
	upper  []float64
	counts []int64
	count  int64
	sum    float64
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.count++
	h.sum += v
	for i, le := range h.upper {
		if v <= le {
			h.counts[i]++
		}
	}
	h.mu.Unlock()
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Counter returns the counter series name{labels}, creating it on first use.
func (r *Registry) Counter(name, help, labels string) *Counter {
	return r.series(name, help, kindCounter, nil, labels, func() any { return new(Counter) }).(*Counter)
}

// Gauge returns the gauge series name{labels}, creating it on first use.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	return r.series(name, help, kindGauge, nil, labels, func() any { return new(Gauge) }).(*Gauge)
}

// Histogram returns the histogram series name{labels}. The bucket bounds of
// the first call win for the whole family.
func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	return r.series(name, help, kindHistogram, bounds, labels, nil).(*Histogram)
}

func (r *Registry) series(name, help string, k kind, buckets []float64, labels string, mk func() any) any {
	r.mu.RLock()
	if f, ok := r.families[name]; ok {
		if s, ok := f.series[labels]; ok {
			r.mu.RUnlock()
			return s
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, buckets: buckets, series: make(map[string]any)}
		r.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	if s, ok := f.series[labels]; ok {
		return s
	}
	var s any
	if k == kindHistogram {
		s = &Histogram{upper: f.buckets, counts: make([]int64, len(f.buckets))}
	} else {
		s = mk()
	}
	f.series[labels] = s
	return s
}

// Handler serves the registry in the text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WriteTo(w)
	})
}

// WriteTo renders every family sorted by name, series sorted by label set.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	fmt.Fprintf(cw, "# HELP sc3bridge_uptime_seconds Seconds since the process started\n")
	fmt.Fprintf(cw, "# TYPE sc3bridge_uptime_seconds gauge\n")
	fmt.Fprintf(cw, "sc3bridge_uptime_seconds %d\n", int64(r.Uptime().Seconds()))

	r.mu.RLock()
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeFamily(cw, r.families[name])
	}
	r.mu.RUnlock()
	return cw.n, cw.err
}

func writeFamily(w io.Writer, f *family) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
	keys := make([]string, 0, len(f.series))
	for k := range f.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, labels := range keys {
		switch s := f.series[labels].(type) {
		case *Counter:
			fmt.Fprintf(w, "%s%s %d\n", f.name, braces(labels), s.Value())
		case *Gauge:
			fmt.Fprintf(w, "%s%s %d\n", f.name, braces(labels), s.Value())
		case *Histogram:
			s.mu.Lock()
			for i, le := range s.upper {
				fmt.Fprintf(w, "%s_bucket%s %d\n", f.name, braces(joinLabels(labels, `le="`+formatBound(le)+`"`)), s.counts[i])
			}
			fmt.Fprintf(w, "%s_bucket%s %d\n", f.name, braces(joinLabels(labels, `le="+Inf"`)), s.count)
			fmt.Fprintf(w, "%s_sum%s %s\n", f.name, braces(labels), strconv.FormatFloat(s.sum, 'g', -1, 64))
			fmt.Fprintf(w, "%s_count%s %d\n", f.name, braces(labels), s.count)
			s.mu.Unlock()
		}
	}
}

func formatBound(le float64) string {
	if math.IsInf(le, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(le, 'g', -1, 64)
}

func joinLabels(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

// Series recorded by the bridge.
var (
	RepliesSent     = Default.Counter("sc3bridge_replies_sent_total", "Replies delivered to the sc3bot API", "")
	RepliesFailed   = Default.Counter("sc3bridge_replies_failed_total", "Reply sends the sc3bot API rejected", "")
	UpdatesDropped  = Default.Counter("sc3bridge_updates_dropped_total", "Updates dropped before dispatch", "")
	DispatchErrors  = Default.Counter("sc3bridge_dispatch_errors_total", "Reply pipeline errors", "")
	PollErrors      = Default.Counter("sc3bridge_poll_errors_total", "Failed getUpdates calls", "")
	RunningAccounts = Default.Gauge("sc3bridge_running_accounts", "Accounts currently running", "")
	WebhookTargets  = Default.Gauge("sc3bridge_webhook_targets", "Registered webhook targets", "")

	DispatchLatency = Default.Histogram("sc3bridge_dispatch_latency_seconds", "Time spent in the reply pipeline per update", "",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120})
)

// UpdatesReceived counts inbound updates by intake source ("polling" or "webhook").
func UpdatesReceived(source string) *Counter {
	return Default.Counter("sc3bridge_updates_received_total", "Inbound updates received", `source="`+source+`"`)
}

// WebhookResponses counts webhook responses by HTTP status code.
func WebhookResponses(status int) *Counter {
	return Default.Counter("sc3bridge_webhook_responses_total", "Webhook responses by status", `code="`+strconv.Itoa(status)+`"`)
}
