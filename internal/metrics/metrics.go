// Package metrics exposes Prometheus instrumentation for the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Yields counts ThreadYield calls by schedule point.
	Yields = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "yields_total",
		Help:      "ThreadYield calls by schedule point.",
	}, []string{"point"})

	// CallbacksExecuted counts completed callback bodies.
	CallbacksExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "callbacks_executed_total",
		Help:      "Callback bodies executed to completion.",
	})

	// Divergences counts replay divergence declarations.
	Divergences = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marionette",
		Name:      "divergences_total",
		Help:      "Times a replay stopped following its input schedule.",
	})

	// ReplayWait observes how long threads blocked waiting for their turn.
	ReplayWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marionette",
		Name:      "replay_wait_seconds",
		Help:      "Time threads spent blocked waiting for their replay turn.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)
