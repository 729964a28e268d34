package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the sync engine. Constructed
// once in main; the default registry is served on the ops endpoint.
type Metrics struct {
	RemoteCalls        *prometheus.CounterVec
	RemoteCallDuration prometheus.Histogram
	CountCacheHits     prometheus.Counter
	CountCacheMisses   prometheus.Counter
	GapsDetected       *prometheus.CounterVec
	ReconcileCycles    prometheus.Counter
	IncompleteDays     prometheus.Gauge
	RecordsPulled      prometheus.Counter
	PollCycles         *prometheus.CounterVec
}

// New creates and registers all instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		RemoteCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "punchsync_remote_calls_total",
			Help: "Remote biometric API calls by operation and outcome",
		}, []string{"op", "outcome"}),
		RemoteCallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "punchsync_remote_call_duration_seconds",
			Help:    "Latency of remote biometric API calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}),
		CountCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "punchsync_count_cache_hits_total",
			Help: "Remote count cache hits",
		}),
		CountCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "punchsync_count_cache_misses_total",
			Help: "Remote count cache misses",
		}),
		GapsDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "punchsync_gaps_detected_total",
			Help: "Aggregate gaps detected by priority",
		}, []string{"priority"}),
		ReconcileCycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: "punchsync_reconcile_cycles_total",
			Help: "Completed daily reconciliation passes",
		}),
		IncompleteDays: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "punchsync_incomplete_days",
			Help: "Incomplete days found by the latest reconciliation pass",
		}),
		RecordsPulled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "punchsync_records_pulled_total",
			Help: "Punch records upserted by the puller",
		}),
		PollCycles: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "punchsync_poll_cycles_total",
			Help: "Puller cycles by strategy tier and outcome",
		}, []string{"tier", "outcome"}),
	}
}
