// Package metrics declares the prometheus collectors seqd exposes on
// GET /metrics, in the same package-level-var-plus-init-registration
// style as cuemby-warren/pkg/metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IDsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seqd_ids_issued_total",
			Help: "Total number of IDs issued, by business_type and role",
		},
		[]string{"business_type", "role"},
	)

	GenerateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seqd_generate_duration_seconds",
			Help:    "Duration of generate calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"business_type"},
	)

	RefillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seqd_refills_total",
			Help: "Total number of segment refills, by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	RefillDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seqd_refill_duration_seconds",
			Help:    "Duration of segment refills in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)

	BufferUtilisation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "seqd_buffer_utilisation_ratio",
			Help: "Current utilisation ratio of a cached buffer, by business_type and role",
		},
		[]string{"business_type", "role"},
	)

	ProxyBuffersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seqd_proxy_buffers_active",
			Help: "Number of proxy buffers this node currently holds for its peer role",
		},
	)

	PeerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seqd_peer_up",
			Help: "Whether the opposite role currently has a live node (1) or not (0)",
		},
	)

	FailoverEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seqd_failover_events_total",
			Help: "Total number of take-over/abandon transitions",
		},
		[]string{"kind"},
	)

	StuckRefreshesRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seqd_stuck_refreshes_recovered_total",
			Help: "Total number of buffers force-reset by the recover-timeouts admin operation",
		},
	)
)

func init() {
	prometheus.MustRegister(
		IDsIssuedTotal,
		GenerateDuration,
		RefillsTotal,
		RefillDuration,
		BufferUtilisation,
		ProxyBuffersActive,
		PeerUp,
		FailoverEventsTotal,
		StuckRefreshesRecoveredTotal,
	)
}

// Handler returns the Prometheus HTTP handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations, mirrored from the teacher
// pack's metrics.Timer.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
