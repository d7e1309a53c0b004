package service

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	pathScheduled = "scheduled"
	pathImmediate = "immediate"
)

var (
	deletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xthreadcraft",
			Name:      "deletions_total",
			Help:      "Deletion attempts by execution path and classified outcome",
		},
		[]string{"path", "outcome"},
	)
	schedulerDueRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xthreadcraft",
			Subsystem: "scheduler",
			Name:      "due_requests",
			Help:      "Due pending requests found by the last tick",
		},
	)
	schedulerTickSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "xthreadcraft",
			Subsystem: "scheduler",
			Name:      "tick_seconds",
			Help:      "Wall time of one scheduler tick",
			Buckets:   prometheus.DefBuckets,
		},
	)
	externalCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xthreadcraft",
			Name:      "external_call_seconds",
			Help:      "Latency of calls to the external post store",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)
)

var registerServiceMetrics sync.Once

func init() {
	registerServiceMetrics.Do(func() {
		prometheus.MustRegister(deletionsTotal, schedulerDueRequests, schedulerTickSeconds, externalCallSeconds)
	})
}
