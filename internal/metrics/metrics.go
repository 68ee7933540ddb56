package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	modelRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runplan_model_request_duration_seconds",
			Help:    "Model request duration in seconds by model and outcome",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 9), // 0.5s to ~128s
		},
		[]string{"model", "outcome"}, // outcome: "ok", "timeout", "upstream_failure", "invalid_json"
	)

	chunksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runplan_chunks_processed_total",
			Help: "Chunks that reached a terminal status",
		},
		[]string{"status"},
	)

	chunksChained = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runplan_chunks_chained_total",
			Help: "Successor chunks inserted by auto-chaining",
		},
	)

	chainStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runplan_chain_stops_total",
			Help: "Reasons auto-chaining stopped after a completed chunk",
		},
		[]string{"reason"}, // "plan_complete", "total_unknown", "successor_exists", "limit"
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runplan_queue_depth",
			Help: "Chunk ids waiting in the in-process work queue",
		},
	)
)

// RecordModelRequest observes one model call.
func RecordModelRequest(model, outcome string, d time.Duration) {
	modelRequestDuration.WithLabelValues(model, outcome).Observe(d.Seconds())
}

// RecordChunkProcessed counts a chunk reaching status.
func RecordChunkProcessed(status string) {
	chunksProcessed.WithLabelValues(status).Inc()
}

// RecordChunkChained counts an auto-created successor chunk.
func RecordChunkChained() {
	chunksChained.Inc()
}

// RecordChainStop counts why a chain ended.
func RecordChainStop(reason string) {
	chainStops.WithLabelValues(reason).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
