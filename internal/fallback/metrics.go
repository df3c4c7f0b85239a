package fallback

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry        *prometheus.Registry
	ResolveTotal    *prometheus.CounterVec
	ResolveDuration *prometheus.HistogramVec
	SyncReplayTotal *prometheus.CounterVec
	CacheWrites     prometheus.Counter
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ResolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fallback",
			Name:      "resolve_total",
			Help:      "Resolved requests by the strategy that produced the response",
		}, []string{"strategy"}),
		ResolveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fallback",
			Name:      "resolve_duration_seconds",
			Help:      "Time spent resolving a request",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		SyncReplayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fallback",
			Name:      "sync_replay_total",
			Help:      "Queue replay attempts by result",
		}, []string{"result"}),
		CacheWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fallback",
			Name:      "cache_writes_total",
			Help:      "Responses stored in the cache",
		}),
	}
	r.MustRegister(m.ResolveTotal, m.ResolveDuration, m.SyncReplayTotal, m.CacheWrites)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// registerState exposes live service state as gauges read at scrape time.
func (m *Metrics) registerState(s *Service) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fallback",
			Name:      "queue_length",
			Help:      "Requests waiting in the write queue",
		}, func() float64 { return float64(s.queue.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fallback",
			Name:      "cache_entries",
			Help:      "Responses held in the durable cache",
		}, func() float64 { return float64(s.cache.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fallback",
			Name:      "timeout_degraded",
			Help:      "1 when network attempts use the floor timeout",
		}, func() float64 { return boolGauge(s.timeouts.Degraded()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fallback",
			Name:      "origin_online",
			Help:      "1 when the last attempt to reach the origin got an answer",
		}, func() float64 { return boolGauge(s.conn.Online()) }),
	)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
