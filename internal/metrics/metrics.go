// Package metrics exposes prometheus collectors for the capture pipeline
// and the HTTP endpoints that serve them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/logcatd/internal/broadcast"
	"github.com/ppiankov/logcatd/internal/logcat"
	"github.com/ppiankov/logcatd/internal/rotate"
)

// Metrics holds all Prometheus metrics for the capture pipeline.
type Metrics struct {
	LinesRead        prometheus.Counter
	Flushes          prometheus.Counter
	EntriesEmitted   prometheus.Counter
	EntriesFiltered  prometheus.Counter
	ParseFailures    prometheus.Counter
	Truncations      prometheus.Counter
	Retries          prometheus.Counter
	RetryBackoff     prometheus.Histogram
	DroppedActions   prometheus.Counter
	ReaderRunning    prometheus.Gauge
	SinkErrors       *prometheus.CounterVec
	Subscribers      prometheus.Gauge
	BroadcastDropped prometheus.Counter
	RotationTotal    *prometheus.CounterVec
	RotationErrors   prometheus.Counter
	RedactionsTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers all pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LinesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logcatd_lines_read_total",
			Help: "Total raw lines read from logcat",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logcatd_flushes_total",
			Help: "Total quiet-period and end-of-stream flush signals",
		}),
		EntriesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logcatd_entries_emitted_total",
			Help: "Total parsed entries handed downstream",
		}),
		EntriesFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logcatd_entries_filtered_total",
			Help: "Total entries rejected by filters",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logcatd_parse_failures_total",
			Help: "Total blocks that failed to parse",
		}),
		Truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logcatd_truncations_total",
			Help: "Total blocks cut at the line cap",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logcatd_retries_total",
			Help: "Total retryable downstream failures",
		}),
		RetryBackoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "logcatd_retry_backoff_seconds",
			Help:    "Backoff requested by retryable failures",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		DroppedActions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logcatd_dropped_actions_total",
			Help: "Total lines or flushes abandoned after a non-retryable failure",
		}),
		ReaderRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logcatd_reader_running",
			Help: "1 while the logcat reader is running",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logcatd_sink_errors_total",
			Help: "Total failed deliveries by sink",
		}, []string{"sink"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logcatd_broadcast_subscribers",
			Help: "Current websocket subscribers",
		}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logcatd_broadcast_dropped_total",
			Help: "Total entries dropped for slow websocket subscribers",
		}),
		RotationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logcatd_rotation_total",
			Help: "Total file rotations",
		}, []string{"reason"}),
		RotationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logcatd_rotation_errors_total",
			Help: "Total failed file rotations",
		}),
		RedactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logcatd_redactions_total",
			Help: "Total entries changed by each redaction pattern",
		}, []string{"pattern"}),
	}
	reg.MustRegister(
		m.LinesRead,
		m.Flushes,
		m.EntriesEmitted,
		m.EntriesFiltered,
		m.ParseFailures,
		m.Truncations,
		m.Retries,
		m.RetryBackoff,
		m.DroppedActions,
		m.ReaderRunning,
		m.SinkErrors,
		m.Subscribers,
		m.BroadcastDropped,
		m.RotationTotal,
		m.RotationErrors,
		m.RedactionsTotal,
	)
	return m
}

// SourceHooks returns callbacks that feed the source counters.
func (m *Metrics) SourceHooks() logcat.SourceHooks {
	return logcat.SourceHooks{
		Reader: logcat.Hooks{
			OnLine:  m.LinesRead.Inc,
			OnFlush: m.Flushes.Inc,
			OnRetry: func(backoff time.Duration) {
				m.Retries.Inc()
				m.RetryBackoff.Observe(backoff.Seconds())
			},
			OnDrop: m.DroppedActions.Inc,
			OnRunning: func(running bool) {
				if running {
					m.ReaderRunning.Set(1)
				} else {
					m.ReaderRunning.Set(0)
				}
			},
		},
		Assembler: logcat.AssemblerHooks{
			OnEntry:        m.EntriesEmitted.Inc,
			OnParseFailure: m.ParseFailures.Inc,
			OnTruncate:     m.Truncations.Inc,
		},
		OnFilter: m.EntriesFiltered.Inc,
	}
}

// HubHooks returns callbacks that feed the broadcast gauges.
func (m *Metrics) HubHooks() broadcast.Hooks {
	return broadcast.Hooks{
		OnSubscribers: func(n int) { m.Subscribers.Set(float64(n)) },
		OnDrop:        m.BroadcastDropped.Inc,
	}
}

// SinkError counts one failed delivery to the named sink.
func (m *Metrics) SinkError(sink string) {
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// ObserveRotator wires rotation callbacks of r to the rotation counters.
func (m *Metrics) ObserveRotator(r *rotate.Rotator) {
	r.SetOnRotate(func(reason string) { m.RotationTotal.WithLabelValues(reason).Inc() })
	r.SetOnError(m.RotationErrors.Inc)
}

// Redaction counts one entry changed by pattern.
func (m *Metrics) Redaction(pattern string) {
	m.RedactionsTotal.WithLabelValues(pattern).Inc()
}
