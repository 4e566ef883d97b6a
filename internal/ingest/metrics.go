package ingest

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Message outcomes.
const (
	resultPersisted     = "persisted"
	resultMalformed     = "malformed"
	resultOrphan        = "orphan"
	resultPersistFailed = "persist_failed"
	resultStatusFailed  = "status_failed"
	resultAckFailed     = "ack_failed"
)

var (
	metricsOnce    sync.Once
	messagesTotal  *prometheus.CounterVec
	batchDuration  prometheus.Histogram
	batchSize prometheus.Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		messagesTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Log stream messages by processing outcome",
		}, []string{"result"}))
		batchDuration = register(prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shipyard",
			Subsystem: "ingest",
			Name:      "batch_duration_seconds",
			Help:      "Time spent processing one partition batch",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}))
		batchSize = register(prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shipyard",
			Subsystem: "ingest",
			Name:      "batch_size",
			Help:      "Messages per partition batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 9),
		}))
	})
}

// register adds c to the default registry, reusing an identical collector
// registered earlier.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
