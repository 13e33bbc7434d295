// Package stats exposes request and connectivity counters over Prometheus.
package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives per-request and connectivity observations. The zero
// implementation is Noop; the proxy never depends on stats being wired.
type Recorder interface {
	RecordRequest(route, method string, status int, duration time.Duration)
	RecordConnectivity(upstream string, reachable bool)
	RecordCache(route string, hit bool)
}

// Prometheus is a Recorder backed by a prometheus registry.
type Prometheus struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	connectivity *prometheus.GaugeVec
	cacheLookups *prometheus.CounterVec
}

// NewPrometheus registers the collectors on reg and returns the recorder.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeproxy",
			Name:      "requests_total",
			Help:      "Requests dispatched, by route, method and status class.",
		}, []string{"route", "method", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "edgeproxy",
			Name:      "request_duration_seconds",
			Help:      "Request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		connectivity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "edgeproxy",
			Name:      "upstream_reachable",
			Help:      "1 when the last dispatch to the upstream succeeded.",
		}, []string{"upstream"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeproxy",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by route and outcome.",
		}, []string{"route", "outcome"}),
	}
}

func (p *Prometheus) RecordRequest(route, method string, status int, duration time.Duration) {
	p.requests.WithLabelValues(route, method, statusClass(status)).Inc()
	p.duration.WithLabelValues(route).Observe(duration.Seconds())
}

func (p *Prometheus) RecordConnectivity(upstream string, reachable bool) {
	v := 0.0
	if reachable {
		v = 1.0
	}
	p.connectivity.WithLabelValues(upstream).Set(v)
}

func (p *Prometheus) RecordCache(route string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	p.cacheLookups.WithLabelValues(route, outcome).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Noop discards all observations.
type Noop struct{}

func (Noop) RecordRequest(string, string, int, time.Duration) {}
func (Noop) RecordConnectivity(string, bool)                  {}
func (Noop) RecordCache(string, bool)                         {}
