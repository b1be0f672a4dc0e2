package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the presence service's Prometheus collectors.
type Metrics struct {
	Heartbeats        prometheus.Counter
	HeartbeatFailures prometheus.Counter
	Transitions       *prometheus.CounterVec
	OfflineRechecks   *prometheus.CounterVec
	ReconcileRepairs  *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	Invalidations     *prometheus.CounterVec
	FanoutDeliveries  *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_heartbeats_total",
			Help: "Total heartbeats received",
		}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_heartbeat_failures_total",
			Help: "Heartbeats whose store refresh failed and was swallowed",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_transitions_total",
			Help: "Online/offline transitions performed by this node",
		}, []string{"direction", "source"}),
		OfflineRechecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_offline_rechecks_total",
			Help: "Debounced offline rechecks by outcome",
		}, []string{"outcome"}),
		ReconcileRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_reconcile_repairs_total",
			Help: "Inconsistencies corrected by the reconciliation sweep",
		}, []string{"kind"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "presence_reconcile_duration_seconds",
			Help:    "Duration of a full reconciliation run",
			Buckets: prometheus.DefBuckets,
		}),
		Invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_cache_invalidations_total",
			Help: "Cache invalidation messages published and received",
		}, []string{"direction"}),
		FanoutDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_fanout_deliveries_total",
			Help: "Presence events pushed to local subscribers",
		}, []string{"result"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "presence_active_connections",
			Help: "Realtime connections open on this node",
		}),
	}

	reg.MustRegister(
		m.Heartbeats,
		m.HeartbeatFailures,
		m.Transitions,
		m.OfflineRechecks,
		m.ReconcileRepairs,
		m.ReconcileDuration,
		m.Invalidations,
		m.FanoutDeliveries,
		m.ActiveConnections,
	)
	return m
}
