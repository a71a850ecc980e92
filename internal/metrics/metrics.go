// Package metrics holds the Prometheus collectors of the harvester.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Stats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_stats_total",
		Help: "Harvest statistics by type",
	}, []string{"type"})
	SessionsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_sessions_resolved_total",
		Help: "Pagination sessions by termination reason",
	}, []string{"reason"})
	SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_session_duration_seconds",
		Help:    "Pagination session duration seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harvester_queue_depth",
		Help: "Work items waiting in the queue",
	}, []string{"queue"})
	CheckpointErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harvester_checkpoint_errors_total",
		Help: "Failed ledger checkpoints",
	})
)

func init() {
	prometheus.MustRegister(Stats, SessionsResolved, SessionDuration, QueueDepth, CheckpointErrors)
}

// ObserveSession records how a session ended and how long it ran.
func ObserveSession(reason string, start time.Time) {
	SessionsResolved.WithLabelValues(reason).Inc()
	SessionDuration.Observe(time.Since(start).Seconds())
}

func SetQueueDepth(fast, slow int) {
	QueueDepth.WithLabelValues("fast").Set(float64(fast))
	QueueDepth.WithLabelValues("slow").Set(float64(slow))
}
