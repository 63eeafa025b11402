package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poller metrics
	UpdatesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotrelay_updates_fetched_total",
			Help: "Inbound events returned by the event source",
		},
		[]string{"source"},
	)

	UpdatesDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotrelay_updates_duplicate_total",
			Help: "Inbound events discarded because their update id was at or below the cursor",
		},
		[]string{"source"},
	)

	UpdatesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotrelay_updates_dispatched_total",
			Help: "Inbound events dispatched to a handler",
		},
		[]string{"source", "kind"}, // "text", "document", "other"
	)

	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotrelay_fetch_errors_total",
			Help: "Failed fetches from the event source",
		},
		[]string{"source"},
	)

	PollerCursor = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dotrelay_poller_cursor",
			Help: "Highest fully processed update id",
		},
		[]string{"source"},
	)

	PollerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dotrelay_poller_running",
			Help: "1 while the poller loop is running",
		},
	)

	// Conversation metrics
	Generations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotrelay_generations_total",
			Help: "Reply generations by outcome",
		},
		[]string{"outcome"}, // "ok", "refused", "failed"
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dotrelay_generation_duration_seconds",
			Help:    "Time spent streaming a reply from the model",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	Ingestions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotrelay_document_ingestions_total",
			Help: "Document ingestion outcomes",
		},
		[]string{"outcome"}, // "accepted", "unsupported-format", "extraction-failed", "inappropriate-content"
	)

	// Storage metrics
	StoreDegradedReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotrelay_store_degraded_reads_total",
			Help: "Store reads that fell back to an empty default after a failure",
		},
		[]string{"collection"},
	)

	StoreWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotrelay_store_write_errors_total",
			Help: "Failed store writes",
		},
		[]string{"collection"},
	)

	OutboundSendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotrelay_outbound_send_errors_total",
			Help: "Replies the transport failed to deliver",
		},
		[]string{"channel"},
	)
)
