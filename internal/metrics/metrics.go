// Package metrics exposes Prometheus instrumentation for a tidekv engine
// instance. It is entirely opt-in: an engine created without
// tidekv.WithMetrics never touches this package.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters and gauges a single engine instance reports.
// Registered against the caller-supplied registry so multiple engines in
// one process don't collide on metric names.
type Metrics struct {
	Puts        prometheus.Counter
	Deletes     prometheus.Counter
	Gets        prometheus.Counter
	GetHits     prometheus.Counter
	GetMisses   prometheus.Counter
	Flushes     prometheus.Counter
	Compactions prometheus.Counter

	SSTableCount prometheus.Gauge
	MemtableSize prometheus.Gauge
}

// New creates and registers a Metrics bundle on reg. namespace typically
// identifies the engine's directory or a caller-chosen instance name so
// metrics from multiple engines don't collide.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	constLabels := prometheus.Labels{"engine": namespace}

	m := &Metrics{
		Puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tidekv",
			Name:        "puts_total",
			Help:        "Total number of Put operations accepted.",
			ConstLabels: constLabels,
		}),
		Deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tidekv",
			Name:        "deletes_total",
			Help:        "Total number of Delete operations accepted.",
			ConstLabels: constLabels,
		}),
		Gets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tidekv",
			Name:        "gets_total",
			Help:        "Total number of Get operations issued.",
			ConstLabels: constLabels,
		}),
		GetHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tidekv",
			Name:        "get_hits_total",
			Help:        "Total number of Get operations that found a live value.",
			ConstLabels: constLabels,
		}),
		GetMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tidekv",
			Name:        "get_misses_total",
			Help:        "Total number of Get operations that found nothing or a tombstone.",
			ConstLabels: constLabels,
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tidekv",
			Name:        "flushes_total",
			Help:        "Total number of memtable flushes to SSTable.",
			ConstLabels: constLabels,
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "tidekv",
			Name:        "compactions_total",
			Help:        "Total number of compaction rounds run.",
			ConstLabels: constLabels,
		}),
		SSTableCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tidekv",
			Name:        "sstable_count",
			Help:        "Current number of live SSTables.",
			ConstLabels: constLabels,
		}),
		MemtableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "tidekv",
			Name:        "memtable_size",
			Help:        "Current live-entry count of the active memtable.",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		m.Puts, m.Deletes, m.Gets, m.GetHits, m.GetMisses,
		m.Flushes, m.Compactions, m.SSTableCount, m.MemtableSize,
	)

	return m
}
