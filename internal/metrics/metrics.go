// Package metrics defines the Prometheus instrumentation shared by
// cmd/shard and cmd/coordinator, exposed at /metrics via promhttp alongside
// the JSON /health body both services serve (and cmd/shard's JSON /stats). Each New*
// constructor builds its own private *prometheus.Registry rather than
// registering on the global DefaultRegisterer, so constructing more than
// one Shard or Coordinator in the same process (every shard/coordinator
// unit test does this) never collides on an already-registered collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shard holds the counters and gauges a shard actor updates as it serves
// requests, plus the registry they're exposed through.
type Shard struct {
	Registry     *prometheus.Registry
	Ops          *prometheus.CounterVec
	ChunkCount   prometheus.Gauge
	SubjectCount prometheus.Gauge
	Connections  prometheus.Gauge
}

// NewShard builds a fresh registry and registers shard-level metrics under
// the "graphshard_shard" namespace.
func NewShard() *Shard {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Shard{
		Registry: reg,
		Ops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphshard_shard",
			Name:      "operations_total",
			Help:      "Total shard operations by kind.",
		}, []string{"op"}),
		ChunkCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "graphshard_shard",
			Name:      "chunk_count",
			Help:      "Number of sealed chunks currently held by this shard.",
		}),
		SubjectCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "graphshard_shard",
			Name:      "subject_count",
			Help:      "Number of distinct subjects indexed by this shard.",
		}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "graphshard_shard",
			Name:      "connections",
			Help:      "Current live client connection count.",
		}),
	}
}

// Coordinator holds the counters and gauges the CDC coordinator updates as
// it ingests and flushes events, plus the registry they're exposed through.
type Coordinator struct {
	Registry       *prometheus.Registry
	EventsBuffered prometheus.Gauge
	EventsIngested prometheus.Counter
	FlushesTotal   *prometheus.CounterVec
	FlushLatency   prometheus.Histogram
	RejectedSeq    prometheus.Counter
}

// NewCoordinator builds a fresh registry and registers coordinator-level
// metrics under the "graphshard_cdc" namespace.
func NewCoordinator() *Coordinator {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Coordinator{
		Registry: reg,
		EventsBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "graphshard_cdc",
			Name:      "events_buffered",
			Help:      "Events currently buffered awaiting flush.",
		}),
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "graphshard_cdc",
			Name:      "events_ingested_total",
			Help:      "Total events accepted past the sequence gate.",
		}),
		FlushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "graphshard_cdc",
			Name:      "flushes_total",
			Help:      "Total namespace flush attempts by outcome.",
		}, []string{"outcome"}),
		FlushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "graphshard_cdc",
			Name:      "flush_latency_seconds",
			Help:      "Time to encode and write one namespace's flush blob.",
			Buckets:   prometheus.DefBuckets,
		}),
		RejectedSeq: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "graphshard_cdc",
			Name:      "rejected_sequence_total",
			Help:      "Total cdc messages rejected by the out-of-order sequence gate.",
		}),
	}
}
