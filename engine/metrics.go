package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the live engine state as Prometheus gauges/counters, an
// optional surface beyond the event bus for operators who want to scrape a
// running engine rather than tail its event stream (SPEC_FULL.md
// "Supplemented features"). DownloadBps and UploadBps are registered but
// observeEvent never sets them, so they read 0.
type Metrics struct {
	DownloadBps    prometheus.Gauge
	UploadBps      prometheus.Gauge
	LatencyMs      prometheus.Gauge
	JitterMs       prometheus.Gauge
	ActiveStreams  *prometheus.GaugeVec
	PhaseNumber    prometheus.Gauge
	StreamsCreated prometheus.Counter
	TerminatedAll  prometheus.Counter
}

// NewMetrics registers a fresh set of collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DownloadBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbengine", Name: "download_bps", Help: "Current sliding-window download throughput in bits/sec.",
		}),
		UploadBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbengine", Name: "upload_bps", Help: "Current sliding-window upload throughput in bits/sec.",
		}),
		LatencyMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbengine", Name: "latency_ms", Help: "Most recent measured round-trip latency in milliseconds.",
		}),
		JitterMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbengine", Name: "jitter_ms", Help: "Most recent measured latency jitter in milliseconds.",
		}),
		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bbengine", Name: "active_streams", Help: "Live stream count by direction.",
		}, []string{"direction"}),
		PhaseNumber: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bbengine", Name: "phase", Help: "Current single-user phase, as its ordinal.",
		}),
		StreamsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bbengine", Name: "streams_created_total", Help: "Total streams registered over the run.",
		}),
		TerminatedAll: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bbengine", Name: "terminate_all_total", Help: "Total terminate_all invocations.",
		}),
	}

	reg.MustRegister(m.DownloadBps, m.UploadBps, m.LatencyMs, m.JitterMs,
		m.ActiveStreams, m.PhaseNumber, m.StreamsCreated, m.TerminatedAll)
	return m
}

// observeEvent updates the relevant gauge/counter from a bus event. Wired as
// a Bus subscriber by Engine so metrics stay current without the
// saturation/household code needing to know Metrics exists.
func (m *Metrics) observeEvent(evt Event) {
	switch evt.Type {
	case EventPhaseChanged:
		if p, ok := evt.Payload.(PhaseChangedPayload); ok {
			m.PhaseNumber.Set(float64(p.Phase))
		}
	case EventLatencyMeasure:
		if p, ok := evt.Payload.(LatencyMeasurementPayload); ok {
			m.LatencyMs.Set(p.Latency)
			m.JitterMs.Set(p.Jitter)
		}
	case EventStreamLifecycle:
		if p, ok := evt.Payload.(StreamLifecyclePayload); ok {
			dir := p.StreamType.String()
			switch p.Kind {
			case "created":
				m.StreamsCreated.Inc()
				m.ActiveStreams.WithLabelValues(dir).Inc()
			case "terminated":
				m.ActiveStreams.WithLabelValues(dir).Dec()
			}
		}
	case EventStreamAllTerminated:
		m.TerminatedAll.Inc()
		m.ActiveStreams.WithLabelValues(Download.String()).Set(0)
		m.ActiveStreams.WithLabelValues(Upload.String()).Set(0)
	}
}
