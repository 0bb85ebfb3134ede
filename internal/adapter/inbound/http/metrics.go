package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/abusegate/internal/service"
)

// Metrics holds all Prometheus metrics for abusegate.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	StoreLatency    prometheus.Histogram
	CounterKeys     prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "abusegate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "abusegate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		Decisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "abusegate",
				Name:      "decisions_total",
				Help:      "Rate limit decisions by scope, action and outcome",
			},
			[]string{"scope", "action", "outcome"},
		),
		StoreLatency: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "abusegate",
				Name:      "store_transaction_seconds",
				Help:      "Counter store transaction latency in seconds",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		CounterKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "abusegate",
				Name:      "counter_keys",
				Help:      "Number of live counters in the in-memory store",
			},
		),
	}
}

// ObserveDecision implements service.DecisionObserver.
func (m *Metrics) ObserveDecision(scope ratelimit.Scope, action ratelimit.Action, outcome string) {
	m.Decisions.WithLabelValues(string(scope), string(action), outcome).Inc()
}

// ObserveStoreLatency implements service.DecisionObserver.
func (m *Metrics) ObserveStoreLatency(d time.Duration) {
	m.StoreLatency.Observe(d.Seconds())
}

// RecorderStats is the part of service.ViolationRecorder exported as metrics.
type RecorderStats interface {
	DroppedRecords() int64
	ChannelDepth() int
}

// RegisterRecorder exports violation queue depth and drops, read at scrape time.
func RegisterRecorder(reg prometheus.Registerer, rec RecorderStats) {
	promauto.With(reg).NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: "abusegate",
			Name:      "violation_drops_total",
			Help:      "Total violations dropped due to backpressure",
		},
		func() float64 { return float64(rec.DroppedRecords()) },
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "abusegate",
			Name:      "violation_queue_depth",
			Help:      "Violations waiting to be persisted",
		},
		func() float64 { return float64(rec.ChannelDepth()) },
	)
}

var _ service.DecisionObserver = (*Metrics)(nil)
