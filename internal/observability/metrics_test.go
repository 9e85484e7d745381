package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveAPI("GET", "/api/jobs/:id", "200", time.Millisecond)
	m.ObserveJob("done", time.Second)
	m.ObserveStage("validate", "ok", time.Second)
	m.IncQuotaDecision(false)
	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil || buf.Len() != 0 {
		t.Fatalf("nil WritePrometheus: err=%v out=%q", err, buf.String())
	}
}

func TestWritePrometheusExposition(t *testing.T) {
	m := newMetrics()
	m.ObserveAPI("POST", "/api/process", "200", 30*time.Millisecond)
	m.ObserveStage("anomaly", "ok", 3*time.Second)
	m.IncArtifactUpload("heatmap_png", false)
	m.IncQuotaDecision(true)

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`fs_api_requests_total{method="POST",route="/api/process",status="200"} 1`,
		`fs_stage_duration_seconds_bucket{stage="anomaly",outcome="ok",le="5"} 1`,
		`fs_stage_duration_seconds_bucket{stage="anomaly",outcome="ok",le="2"} 0`,
		`fs_stage_duration_seconds_count{stage="anomaly",outcome="ok"} 1`,
		`fs_artifact_uploads_total{kind="heatmap_png",outcome="failed"} 1`,
		`fs_quota_decisions_total{decision="accepted"} 1`,
		"# TYPE fs_worker_backlog gauge",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition missing %q\n%s", want, out)
		}
	}
}

func TestLabelEscaping(t *testing.T) {
	got := labelString([]string{"route"}, []string{"a\"b\\c\nd"})
	want := `{route="a\"b\\c\nd"}`
	if got != want {
		t.Fatalf("labelString: want=%s got=%s", want, got)
	}
	if withLe("", "+Inf") != `{le="+Inf"}` {
		t.Fatalf("withLe empty: got=%s", withLe("", "+Inf"))
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := NewHistogramVec("t_seconds", "test", []string{"stage"}, []float64{5, 1})
	h.Observe(0.5, "grid")
	h.Observe(3, "grid")
	h.Observe(9, "grid")

	var buf bytes.Buffer
	if err := h.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`t_seconds_bucket{stage="grid",le="1"} 1`,
		`t_seconds_bucket{stage="grid",le="5"} 2`,
		`t_seconds_bucket{stage="grid",le="+Inf"} 3`,
		`t_seconds_sum{stage="grid"} 12.5`,
		`t_seconds_count{stage="grid"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("histogram missing %q\n%s", want, out)
		}
	}
}

func TestUnlabeledSeriesAlwaysRendered(t *testing.T) {
	c := NewCounter("t_total", "test")
	c.Add(-3)
	var buf bytes.Buffer
	if err := c.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	if !strings.Contains(buf.String(), "t_total 0\n") {
		t.Fatalf("counter: got=%q", buf.String())
	}
}
