// Package metrics wires prometheus/client_golang counters at the engine's
// tick boundaries, the same instrumentation shape grafana/tempo applies at
// its service boundaries.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Engine groups the counters a host would scrape to catch a misbehaving
// graph before it audibly glitches: render faults, cache-point
// materializations, pool growth, and oversized-allocation rejections.
type Engine struct {
	RenderTicks        prometheus.Counter
	RenderFaults        prometheus.Counter
	CacheMaterializations prometheus.Counter
	PoolGrowths          *prometheus.CounterVec
	OversizedRejections  *prometheus.CounterVec
}

// NewEngine registers a fresh set of collectors against reg. Passing a
// nil registry is fine for tests that don't care about scraping.
func NewEngine(reg prometheus.Registerer) *Engine {
	m := &Engine{
		RenderTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dspgraph",
			Name:      "render_ticks_total",
			Help:      "Total number of render() ticks processed.",
		}),
		RenderFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dspgraph",
			Name:      "render_faults_total",
			Help:      "Total number of node render callbacks that returned false.",
		}),
		CacheMaterializations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dspgraph",
			Name:      "cache_materializations_total",
			Help:      "Total number of cache-point forks that materialized a shared result.",
		}),
		PoolGrowths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dspgraph",
			Name:      "pool_growths_total",
			Help:      "Total number of new pages appended to a sample pool.",
		}, []string{"pool"}),
		OversizedRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dspgraph",
			Name:      "oversized_rejections_total",
			Help:      "Total number of allocation requests rejected as oversized.",
		}, []string{"pool"}),
	}
	if reg != nil {
		reg.MustRegister(m.RenderTicks, m.RenderFaults, m.CacheMaterializations, m.PoolGrowths, m.OversizedRejections)
	}
	return m
}
