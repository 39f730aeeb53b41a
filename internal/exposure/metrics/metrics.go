package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the exposure module.
type Metrics struct {
	// Full propagation run latency
	PropagateLatency prometheus.Histogram

	// Notifications by outcome: "created", "merged", "failed"
	NotificationOutcome *prometheus.CounterVec

	// Hop depth reached per created notification
	HopDepth prometheus.Histogram

	// Run-scoped cache hit rates by cache name, observed at run completion
	CacheHitRate *prometheus.GaugeVec

	// Push outcomes: "sent", "failed", "invalid_token"
	PushOutcome *prometheus.CounterVec

	// Chain updates by kind: "negative", "positive", "revert"
	ChainUpdates *prometheus.CounterVec
}

// New creates a Metrics instance with all exposure module metrics registered.
func New() *Metrics {
	return &Metrics{
		PropagateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainalert_propagation_duration_seconds",
			Help:    "Duration of a full propagation run including batch flushes",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		NotificationOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chainalert_notifications_total",
			Help: "Notification documents by outcome",
		}, []string{"outcome"}),

		HopDepth: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainalert_notification_hop_depth",
			Help:    "Hop depth of created notifications",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		}),

		CacheHitRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainalert_run_cache_hit_rate",
			Help: "Hit rate of the run-scoped caches at run completion",
		}, []string{"cache"}), // cache: "query", "user_lookup"

		PushOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chainalert_push_total",
			Help: "Push deliveries by outcome",
		}, []string{"outcome"}),

		ChainUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chainalert_chain_updates_total",
			Help: "Retroactive chain status updates by kind",
		}, []string{"kind"}),
	}
}

// ObservePropagateLatency records the duration of a full propagation run.
func (m *Metrics) ObservePropagateLatency(d time.Duration) {
	if m != nil {
		m.PropagateLatency.Observe(d.Seconds())
	}
}

// IncNotification records a notification outcome.
func (m *Metrics) IncNotification(outcome string) {
	if m != nil {
		m.NotificationOutcome.WithLabelValues(outcome).Inc()
	}
}

// ObserveHopDepth records the depth a created notification was reached at.
func (m *Metrics) ObserveHopDepth(depth int) {
	if m != nil {
		m.HopDepth.Observe(float64(depth))
	}
}

// SetCacheHitRate records a run-scoped cache's final hit rate.
func (m *Metrics) SetCacheHitRate(cache string, rate float64) {
	if m != nil {
		m.CacheHitRate.WithLabelValues(cache).Set(rate)
	}
}

// IncPush records push outcomes.
func (m *Metrics) IncPush(outcome string, n int) {
	if m != nil && n > 0 {
		m.PushOutcome.WithLabelValues(outcome).Add(float64(n))
	}
}

// IncChainUpdate records a retroactive chain update.
func (m *Metrics) IncChainUpdate(kind string, n int) {
	if m != nil && n > 0 {
		m.ChainUpdates.WithLabelValues(kind).Add(float64(n))
	}
}
