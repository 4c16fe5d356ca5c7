// Package metrics exposes Prometheus collectors for the ingestion,
// archive, and compaction subsystems.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the archiver publishes on /metrics.
type Registry struct {
	EventsSaved       prometheus.Counter
	EventsDuplicate   prometheus.Counter
	EventsRejected    *prometheus.CounterVec
	DedupIndexSize    prometheus.Gauge
	LiveFileBytes     prometheus.Gauge
	CompactionsOK     prometheus.Counter
	CompactionsFailed prometheus.Counter
	HTTPResponses     *prometheus.CounterVec
}

// New constructs and registers a Registry against reg. Passing
// prometheus.NewRegistry() keeps tests isolated from the global registry.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		EventsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nostr_archiver_events_saved_total",
			Help: "Total events durably appended to the archive.",
		}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nostr_archiver_events_duplicate_total",
			Help: "Total events rejected because their id was already recorded.",
		}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostr_archiver_events_rejected_total",
			Help: "Total events rejected by the policy chain, labeled by reason.",
		}, []string{"reason"}),
		DedupIndexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nostr_archiver_dedup_index_size",
			Help: "Number of ids currently recorded in the dedup index.",
		}),
		LiveFileBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nostr_archiver_live_file_bytes",
			Help: "Size in bytes of the currently open live file.",
		}),
		CompactionsOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nostr_archiver_compactions_total",
			Help: "Total successful file compactions.",
		}),
		CompactionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nostr_archiver_compactions_failed_total",
			Help: "Total failed file compactions.",
		}),
		HTTPResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nostr_archiver_http_responses_total",
			Help: "Total HTTP responses, labeled by status class.",
		}, []string{"class"}),
	}
	reg.MustRegister(
		r.EventsSaved,
		r.EventsDuplicate,
		r.EventsRejected,
		r.DedupIndexSize,
		r.LiveFileBytes,
		r.CompactionsOK,
		r.CompactionsFailed,
		r.HTTPResponses,
	)
	return r
}
