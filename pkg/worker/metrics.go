package worker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hvilchis/facturaq/pkg/queue"
)

// Prometheus metrics for monitoring job processing.
var (
	// processedTotal tracks processed jobs by outcome.
	// Labels:
	//   - status: "success", "retry", or "failed"
	//   - queue/handler: routing identity of the job
	processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facturaq_processed_total",
		Help: "The total number of processed jobs",
	}, []string{"status", "queue", "handler"})

	// jobDuration tracks handler latency in seconds, used to derive
	// percentiles per queue.
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "facturaq_job_duration_seconds",
		Help:    "Duration of job handler execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "handler"})

	// queueDepth tracks the number of jobs in each per-queue list.
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "facturaq_queue_depth",
		Help: "Number of jobs in each queue list",
	}, []string{"queue", "list"})

	// queueLatency tracks time spent in the queue before processing,
	// computed as now - job.CreatedAt at dispatch.
	queueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "facturaq_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
)

// CollectDepths periodically queries the store for queue depths and updates
// the depth gauges until the context is cancelled.
func CollectDepths(ctx context.Context, store *queue.Store, queues []string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				for list, depth := range store.Depths(ctx, q) {
					queueDepth.WithLabelValues(q, list).Set(float64(depth))
				}
			}
		}
	}
}
