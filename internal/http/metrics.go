package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
)

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipectl",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}))

		r.requestLatency = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipectl",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}))

		r.rateLimitHits = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipectl",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"}))

		r.previewEvents = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipectl",
			Subsystem: "preview",
			Name:      "events_total",
			Help:      "Tapped events received from engines",
		}, []string{"path", "outcome"}))

		if hub := r.hub; hub != nil {
			register(prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "pipectl",
				Subsystem: "preview",
				Name:      "live_dropped_total",
				Help:      "Live stream payloads dropped because a viewer lagged",
			}, func() float64 { return float64(hub.Dropped()) }))
		}

		r.metricsInitialized = true
	})
}

// register adds c to the default registry, reusing an identical collector
// already registered by another router in the same process.
func register[C prometheus.Collector](c C) C {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

// recordPreviewEvents counts tapped events on the ingest or collect path.
func (r *Router) recordPreviewEvents(path string, n int, result string) {
	if !r.metricsInitialized || n <= 0 {
		return
	}
	r.previewEvents.With(prometheus.Labels{"path": path, "outcome": result}).Add(float64(n))
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
