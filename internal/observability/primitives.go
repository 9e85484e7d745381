package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Metric primitives rendered in the Prometheus text exposition format.
// Series are written in label order so scrapes are stable.

// family is one float per label set. Counters and gauges share it.
type family struct {
	name       string
	help       string
	kind       string
	labelNames []string

	mu     sync.RWMutex
	series map[string]float64
}

func newFamily(name, help, kind string, labels []string) *family {
	f := &family{name: name, help: help, kind: kind, labelNames: labels, series: map[string]float64{}}
	if len(labels) == 0 {
		f.series[""] = 0
	}
	return f
}

func (f *family) apply(values []string, op func(float64) float64) {
	key := labelString(f.labelNames, values)
	f.mu.Lock()
	f.series[key] = op(f.series[key])
	f.mu.Unlock()
}

func (f *family) write(w io.Writer) error {
	if err := writeHeader(w, f.name, f.help, f.kind); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, key := range sortedKeys(f.series) {
		if _, err := fmt.Fprintf(w, "%s%s %g\n", f.name, key, f.series[key]); err != nil {
			return err
		}
	}
	return nil
}

type CounterVec struct{ f *family }

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{f: newFamily(name, help, "counter", labels)}
}

func (c *CounterVec) Inc(values ...string) { c.Add(1, values...) }

func (c *CounterVec) Add(v float64, values ...string) {
	if c == nil || v < 0 {
		return
	}
	c.f.apply(values, func(cur float64) float64 { return cur + v })
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	return c.f.write(w)
}

type Counter struct{ vec *CounterVec }

func NewCounter(name, help string) *Counter {
	return &Counter{vec: NewCounterVec(name, help, nil)}
}

func (c *Counter) Inc() { c.Add(1) }

func (c *Counter) Add(v float64) {
	if c == nil {
		return
	}
	c.vec.Add(v)
}

func (c *Counter) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	return c.vec.WritePrometheus(w)
}

type GaugeVec struct{ f *family }

func NewGaugeVec(name, help string, labels []string) *GaugeVec {
	return &GaugeVec{f: newFamily(name, help, "gauge", labels)}
}

func (g *GaugeVec) Set(v float64, values ...string) {
	if g == nil {
		return
	}
	g.f.apply(values, func(float64) float64 { return v })
}

func (g *GaugeVec) Add(v float64, values ...string) {
	if g == nil {
		return
	}
	g.f.apply(values, func(cur float64) float64 { return cur + v })
}

func (g *GaugeVec) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	return g.f.write(w)
}

type Gauge struct{ vec *GaugeVec }

func NewGauge(name, help string) *Gauge {
	return &Gauge{vec: NewGaugeVec(name, help, nil)}
}

func (g *Gauge) Set(v float64) {
	if g == nil {
		return
	}
	g.vec.Set(v)
}

func (g *Gauge) Inc() {
	if g == nil {
		return
	}
	g.vec.Add(1)
}

func (g *Gauge) Dec() {
	if g == nil {
		return
	}
	g.vec.Add(-1)
}

func (g *Gauge) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	return g.vec.WritePrometheus(w)
}

var defaultBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

type HistogramVec struct {
	name       string
	help       string
	labelNames []string
	bounds     []float64

	mu     sync.RWMutex
	series map[string]*histogram
}

// histogram keeps per-bucket (non-cumulative) counts; write accumulates them.
type histogram struct {
	buckets []uint64
	sum     float64
	count   uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	return &HistogramVec{name: name, help: help, labelNames: labels, bounds: bounds, series: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	if h == nil {
		return
	}
	key := labelString(h.labelNames, values)
	idx := sort.SearchFloat64s(h.bounds, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	hist := h.series[key]
	if hist == nil {
		hist = &histogram{buckets: make([]uint64, len(h.bounds))}
		h.series[key] = hist
	}
	if idx < len(h.bounds) {
		hist.buckets[idx]++
	}
	hist.sum += v
	hist.count++
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if err := writeHeader(w, h.name, h.help, "histogram"); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, key := range sortedKeys(h.series) {
		hist := h.series[key]
		var cumulative uint64
		for i, bound := range h.bounds {
			cumulative += hist.buckets[i]
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(key, fmt.Sprintf("%g", bound)), cumulative); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n%s_sum%s %g\n%s_count%s %d\n",
			h.name, withLe(key, "+Inf"), hist.count,
			h.name, key, hist.sum,
			h.name, key, hist.count,
		); err != nil {
			return err
		}
	}
	return nil
}

func writeHeader(w io.Writer, name, help, kind string) error {
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// labelString renders {a="x",b="y"}. Missing values become "unknown".
func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	pairs := make([]string, len(names))
	for i, name := range names {
		val := "unknown"
		if i < len(values) {
			val = values[i]
		}
		pairs[i] = name + `="` + labelEscaper.Replace(val) + `"`
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func withLe(labels string, le string) string {
	pair := `le="` + labelEscaper.Replace(le) + `"`
	if labels == "" || labels == "{}" || !strings.HasSuffix(labels, "}") {
		return "{" + pair + "}"
	}
	return strings.TrimSuffix(labels, "}") + "," + pair + "}"
}
