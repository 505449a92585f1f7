// Package metrics owns the Prometheus collectors. Every method is safe on a
// nil *Metrics so components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "fxalert"

type Metrics struct {
	reg *prometheus.Registry

	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	matched      *prometheus.CounterVec
	notifySent   *prometheus.CounterVec
	notifyFailed *prometheus.CounterVec
	deduped      *prometheus.CounterVec
	malformed    prometheus.Counter

	digestSent    *prometheus.CounterVec
	digestFailed  *prometheus.CounterVec
	digestSkipped prometheus.Counter
	digestJobs    prometheus.Gauge

	ledgerSize  prometheus.Gauge
	ledgerSwept prometheus.Counter

	chartRequests *prometheus.CounterVec

	deliveryDuration *prometheus.HistogramVec

	taskRuns *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "ticks_total",
			Help: "Dispatch ticks by outcome (ok, source_error, store_error).",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "tick_duration_seconds",
			Help:    "Wall time of one dispatch tick including deliveries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		matched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "matched_total",
			Help: "Alert candidates produced by the match phase.",
		}, []string{"kind"}),
		notifySent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "sent_total",
			Help: "Alerts delivered.",
		}, []string{"kind"}),
		notifyFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "failed_total",
			Help: "Alert deliveries that failed and will be retried next tick.",
		}, []string{"kind"}),
		deduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "deduped_total",
			Help: "Alert candidates skipped because the ledger had their fingerprint.",
		}, []string{"kind"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "malformed_events_total",
			Help: "Events excluded from matching because their time could not be read.",
		}),
		digestSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "digest", Name: "sent_total",
			Help: "Digests delivered.",
		}, []string{"audience"}),
		digestFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "digest", Name: "failed_total",
			Help: "Digest deliveries that failed.",
		}, []string{"audience"}),
		digestSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "digest", Name: "skipped_empty_total",
			Help: "Digests not sent because no event passed the filters.",
		}),
		digestJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "digest", Name: "jobs",
			Help: "Live per-slot digest jobs.",
		}),
		ledgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "entries",
			Help: "Fingerprints held in memory.",
		}),
		ledgerSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "swept_total",
			Help: "Fingerprints evicted by retention sweeps.",
		}),
		chartRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chart", Name: "requests_total",
			Help: "Chart requests by result (rendered, cap, cooldown, error).",
		}, []string{"result"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "delivery_duration_seconds",
			Help:    "Time spent in one delivery including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "task", Name: "runs_total",
			Help: "Scheduled job runs by job and outcome (ok, failed, skipped, dropped).",
		}, []string{"job", "outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.tickDuration, m.matched, m.notifySent, m.notifyFailed, m.deduped, m.malformed,
		m.digestSent, m.digestFailed, m.digestSkipped, m.digestJobs,
		m.ledgerSize, m.ledgerSwept, m.chartRequests, m.deliveryDuration, m.taskRuns,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Tick(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome).Inc()
	m.tickDuration.Observe(took.Seconds())
}

func (m *Metrics) Matched(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.matched.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) NotifySent(kind string) {
	if m != nil {
		m.notifySent.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) NotifyFailed(kind string) {
	if m != nil {
		m.notifyFailed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Deduped(kind string) {
	if m != nil {
		m.deduped.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Malformed(n int) {
	if m != nil && n > 0 {
		m.malformed.Add(float64(n))
	}
}

func (m *Metrics) DigestSent(audience string) {
	if m != nil {
		m.digestSent.WithLabelValues(audience).Inc()
	}
}

func (m *Metrics) DigestFailed(audience string) {
	if m != nil {
		m.digestFailed.WithLabelValues(audience).Inc()
	}
}

func (m *Metrics) DigestSkipped() {
	if m != nil {
		m.digestSkipped.Inc()
	}
}

func (m *Metrics) DigestJobs(n int) {
	if m != nil {
		m.digestJobs.Set(float64(n))
	}
}

func (m *Metrics) Ledger(size, swept int) {
	if m == nil {
		return
	}
	m.ledgerSize.Set(float64(size))
	if swept > 0 {
		m.ledgerSwept.Add(float64(swept))
	}
}

func (m *Metrics) Chart(result string) {
	if m != nil {
		m.chartRequests.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Delivery(result string, took time.Duration) {
	if m != nil {
		m.deliveryDuration.WithLabelValues(result).Observe(took.Seconds())
	}
}

func (m *Metrics) TaskRun(job, outcome string) {
	if m != nil {
		m.taskRuns.WithLabelValues(job, outcome).Inc()
	}
}

// WatchBusDrops exports the event bus drop count as a counter.
func (m *Metrics) WatchBusDrops(dropped func() uint64) {
	if m == nil || dropped == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "eventbus", Name: "dropped_total",
		Help: "Events not delivered because a subscriber buffer was full.",
	}, func() float64 { return float64(dropped()) }))
}
