package ws

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	subscribersGauge = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shipyard",
		Subsystem: "live",
		Name:      "subscribers",
		Help:      "Active live channel subscriptions",
	}))
	publishedFrames = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shipyard",
		Subsystem: "live",
		Name:      "published_total",
		Help:      "Payloads published to live channels",
	}))
	droppedFrames = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shipyard",
		Subsystem: "live",
		Name:      "dropped_total",
		Help:      "Frames dropped because a subscriber queue was full",
	}))
)

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
