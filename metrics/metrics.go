// Package metrics instruments sourcewatch with real Prometheus
// collectors, replacing the hand-rolled counters the teacher gateway
// shipped but never wired to a client library.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every sourcewatch Prometheus collector.
type Metrics struct {
	MessagesIngested   *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	ExtractionsTotal   *prometheus.CounterVec
	EventsExtracted    prometheus.Counter
	ClustersEmitted    prometheus.Counter
	ClustersDiscarded  prometheus.Counter
	ClustersSuperseded prometheus.Counter
	SummariesSent      prometheus.Counter
	BudgetRemaining    *prometheus.GaugeVec
}

// New creates and registers every collector against registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		MessagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcewatch_messages_ingested_total",
			Help: "Raw messages accepted by the pipeline intake queue.",
		}, []string{"source_class"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcewatch_messages_dropped_total",
			Help: "Messages dropped due to per-class queue overflow.",
		}, []string{"source_class"}),
		ExtractionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sourcewatch_extractions_total",
			Help: "Extractor batch outcomes.",
		}, []string{"outcome"}),
		EventsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sourcewatch_events_extracted_total",
			Help: "Events successfully extracted from batches.",
		}),
		ClustersEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sourcewatch_clusters_emitted_total",
			Help: "Clusters that reached Emitted state.",
		}),
		ClustersDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sourcewatch_clusters_discarded_total",
			Help: "Open clusters discarded after idle TTL without reaching eligibility.",
		}),
		ClustersSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sourcewatch_clusters_superseded_total",
			Help: "Clusters superseded by a contradicting report.",
		}),
		SummariesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sourcewatch_summaries_sent_total",
			Help: "Summary messages emitted to the output sink.",
		}),
		BudgetRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sourcewatch_budget_remaining",
			Help: "Remaining LLM call budget per window.",
		}, []string{"window"}),
	}

	registry.MustRegister(
		m.MessagesIngested,
		m.MessagesDropped,
		m.ExtractionsTotal,
		m.EventsExtracted,
		m.ClustersEmitted,
		m.ClustersDiscarded,
		m.ClustersSuperseded,
		m.SummariesSent,
		m.BudgetRemaining,
	)
	return m
}
