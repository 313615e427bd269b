package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the dispatcher's Prometheus collectors.
type Metrics struct {
	cycles     *prometheus.CounterVec
	eligible   *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDepth *prometheus.GaugeVec
	seenIDs    *prometheus.GaugeVec
}

// NewMetrics builds the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldwatch",
			Name:      "cycles_total",
			Help:      "Dispatch cycles by platform and result (ok, aborted).",
		}, []string{"platform", "result"}),
		eligible: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldwatch",
			Name:      "eligible_entities_total",
			Help:      "Entities classified as eligible for notification.",
		}, []string{"platform", "category"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldwatch",
			Name:      "deliveries_total",
			Help:      "Delivery attempts by platform and result (ok, failed).",
		}, []string{"platform", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "worldwatch",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a dispatch cycle including fan-out.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"platform"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "worldwatch",
			Name:      "platform_queue_depth",
			Help:      "Snapshots waiting behind the running cycle.",
		}, []string{"platform"}),
		seenIDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "worldwatch",
			Name:      "seen_ids",
			Help:      "Size of the last committed seen-id set.",
		}, []string{"platform"}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.eligible, m.deliveries, m.duration, m.queueDepth, m.seenIDs)
	}
	return m
}
