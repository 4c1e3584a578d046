package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"codehakam/internal/judge/worker"
)

// Metrics are the pool's Prometheus collectors. A nil *Metrics disables
// collection, so wiring them is optional.
type Metrics struct {
	judged        *prometheus.CounterVec
	duration      prometheus.Histogram
	queueDepth    prometheus.Gauge
	workersTotal  prometheus.Gauge
	workersActive prometheus.Gauge
}

// NewMetrics builds and registers the pool collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		judged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codehakam",
			Subsystem: "judge",
			Name:      "submissions_total",
			Help:      "Submissions judged, by verdict.",
		}, []string{"verdict"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "codehakam",
			Subsystem: "judge",
			Name:      "duration_seconds",
			Help:      "Wall time spent judging one submission.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codehakam",
			Subsystem: "judge",
			Name:      "queue_depth",
			Help:      "Ready messages in the work queue.",
		}),
		workersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codehakam",
			Subsystem: "judge",
			Name:      "workers_total",
			Help:      "Live judge workers.",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codehakam",
			Subsystem: "judge",
			Name:      "workers_active",
			Help:      "Workers currently judging a submission.",
		}),
	}
	reg.MustRegister(m.judged, m.duration, m.queueDepth, m.workersTotal, m.workersActive)
	return m
}

func (m *Metrics) workerStarted() {
	if m == nil {
		return
	}
	m.workersTotal.Inc()
}

func (m *Metrics) workerStopped() {
	if m == nil {
		return
	}
	m.workersTotal.Dec()
}

func (m *Metrics) jobStarted() {
	if m == nil {
		return
	}
	m.workersActive.Inc()
}

func (m *Metrics) jobFinished(res worker.Result, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.workersActive.Dec()
	m.duration.Observe(elapsed.Seconds())
	if res.Disposition == worker.DispositionFinalized {
		m.judged.WithLabelValues(string(res.Verdict)).Inc()
	}
}

func (m *Metrics) setQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
