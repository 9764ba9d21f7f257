// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendsync",
		Name:      "admissions_total",
		Help:      "Recognition admissions by outcome (admitted, low_confidence, duplicate_window, error).",
	}, []string{"outcome"})

	SyncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendsync",
		Name:      "sync_attempts_total",
		Help:      "Remote push attempts by outcome.",
	}, []string{"outcome"})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "attendsync",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of scheduled sync cycles.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job"})

	CyclesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendsync",
		Name:      "cycles_skipped_total",
		Help:      "Ticks suppressed because the previous cycle of the same job was still running.",
	}, []string{"job"})

	EventsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendsync",
		Name:      "events_purged_total",
		Help:      "Terminal events removed by the retention sweeper.",
	})

	FlaggedSubjects = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attendsync",
		Name:      "flagged_pending_events",
		Help:      "In-flight events referencing a subject unknown or inactive as of the last reference refresh.",
	})

	Online = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attendsync",
		Name:      "connectivity_online",
		Help:      "1 when the last connectivity probe succeeded.",
	})
)
