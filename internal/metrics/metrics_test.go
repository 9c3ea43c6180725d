package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/ppiankov/logcatd/internal/rotate"
)

func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestNewMetrics_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	// labeled metrics appear only once a child exists
	m.SinkErrors.WithLabelValues("test")
	m.RotationTotal.WithLabelValues("test")
	m.Redaction("email")

	expected := []string{
		"logcatd_lines_read_total",
		"logcatd_flushes_total",
		"logcatd_entries_emitted_total",
		"logcatd_entries_filtered_total",
		"logcatd_parse_failures_total",
		"logcatd_truncations_total",
		"logcatd_retries_total",
		"logcatd_retry_backoff_seconds",
		"logcatd_dropped_actions_total",
		"logcatd_reader_running",
		"logcatd_sink_errors_total",
		"logcatd_broadcast_subscribers",
		"logcatd_broadcast_dropped_total",
		"logcatd_rotation_total",
		"logcatd_rotation_errors_total",
		"logcatd_redactions_total",
	}
	for _, name := range expected {
		if gatherMetric(t, reg, name) == nil {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestSourceHooks(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := m.SourceHooks()

	h.Reader.OnLine()
	h.Reader.OnLine()
	h.Reader.OnFlush()
	h.Reader.OnRetry(2 * time.Second)
	h.Reader.OnDrop()
	h.Assembler.OnEntry()
	h.Assembler.OnParseFailure()
	h.Assembler.OnTruncate()
	h.OnFilter()

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"lines", m.LinesRead, 2},
		{"flushes", m.Flushes, 1},
		{"retries", m.Retries, 1},
		{"dropped", m.DroppedActions, 1},
		{"emitted", m.EntriesEmitted, 1},
		{"parse failures", m.ParseFailures, 1},
		{"truncations", m.Truncations, 1},
		{"filtered", m.EntriesFiltered, 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
	if got := testutil.CollectAndCount(m.RetryBackoff); got != 1 {
		t.Errorf("backoff histogram series = %d, want 1", got)
	}
}

func TestSourceHooks_ReaderRunning(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := m.SourceHooks()

	h.Reader.OnRunning(true)
	if got := testutil.ToFloat64(m.ReaderRunning); got != 1 {
		t.Errorf("running = %v, want 1", got)
	}
	h.Reader.OnRunning(false)
	if got := testutil.ToFloat64(m.ReaderRunning); got != 0 {
		t.Errorf("running = %v, want 0", got)
	}
}

func TestHubHooksAndSinkErrors(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := m.HubHooks()

	h.OnSubscribers(3)
	h.OnDrop()
	m.SinkError("nats")
	m.SinkError("nats")
	m.SinkError("loki")

	if got := testutil.ToFloat64(m.Subscribers); got != 3 {
		t.Errorf("subscribers = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.BroadcastDropped); got != 1 {
		t.Errorf("broadcast dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SinkErrors.WithLabelValues("nats")); got != 2 {
		t.Errorf("nats errors = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SinkErrors.WithLabelValues("loki")); got != 1 {
		t.Errorf("loki errors = %v, want 1", got)
	}
}

func TestObserveRotator(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	r, err := rotate.New(rotate.Config{Dir: t.TempDir(), MaxFile: 64})
	if err != nil {
		t.Fatalf("rotate.New: %v", err)
	}
	m.ObserveRotator(r)

	for i := 0; i < 4; i++ {
		if _, err := r.Write([]byte("0123456789012345678901234567890123456789\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := testutil.ToFloat64(m.RotationTotal.WithLabelValues("size")); got < 1 {
		t.Errorf("rotations = %v, want >= 1", got)
	}
}
