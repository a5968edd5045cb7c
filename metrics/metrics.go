// Package metrics holds the Prometheus collectors for the presence service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Transitions     *prometheus.CounterVec
	Heartbeats      prometheus.Counter
	LiveActors      prometheus.Gauge
	ActorRestarts   prometheus.Counter
	SweepExpired    prometheus.Counter
	CacheFallbacks  *prometheus.CounterVec
	PublishFailures prometheus.Counter
	HistoryDropped  prometheus.Counter
	Forwarded       *prometheus.CounterVec
}

// New builds the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "transitions_total",
			Help:      "Status transitions applied by session actors.",
		}, []string{"to", "reason"}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "heartbeats_total",
			Help:      "Heartbeats accepted.",
		}),
		LiveActors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "live_actors",
			Help:      "Session actors running on this node.",
		}),
		ActorRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "actor_restarts_total",
			Help:      "Session actors restarted after a crash.",
		}),
		SweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "sweep_expired_total",
			Help:      "Users forced offline by the periodic sweep.",
		}),
		CacheFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "cache_fallbacks_total",
			Help:      "Reads served from the durable store because the cache missed or failed.",
		}, []string{"op"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "publish_failures_total",
			Help:      "Events the bus failed to publish.",
		}),
		HistoryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "history_dropped_total",
			Help:      "History entries dropped because the recorder queue was full.",
		}),
		Forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "forwarded_total",
			Help:      "Actor operations forwarded to the owning node.",
		}, []string{"op"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Transitions,
			m.Heartbeats,
			m.LiveActors,
			m.ActorRestarts,
			m.SweepExpired,
			m.CacheFallbacks,
			m.PublishFailures,
			m.HistoryDropped,
			m.Forwarded,
		)
	}
	return m
}

// Noop returns unregistered collectors.
func Noop() *Metrics {
	return New(nil)
}
