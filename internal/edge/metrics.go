package edge

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	resolutions = register(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shipyard",
		Subsystem: "edge",
		Name:      "resolutions_total",
		Help:      "Requests resolved to a project, by strategy",
	}, []string{"source"}))
	notFound = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shipyard",
		Subsystem: "edge",
		Name:      "unresolved_total",
		Help:      "Requests that matched no project",
	}))
	lookupErrors = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shipyard",
		Subsystem: "edge",
		Name:      "lookup_errors_total",
		Help:      "Project lookups that failed against the store",
	}))
	proxyErrors = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shipyard",
		Subsystem: "edge",
		Name:      "proxy_errors_total",
		Help:      "Upstream artifact requests that failed",
	}))
	cacheHits = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shipyard",
		Subsystem: "edge",
		Name:      "lookup_cache_hits_total",
		Help:      "Project lookups served from cache",
	}))
	cacheMisses = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shipyard",
		Subsystem: "edge",
		Name:      "lookup_cache_misses_total",
		Help:      "Project lookups that went to the store",
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
