package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesCreated tracks retry batches created
	BatchesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recoverd_batches_created_total",
			Help: "Total number of retry batches created",
		},
	)

	// BatchTransitions tracks batch state transitions
	BatchTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recoverd_batch_transitions_total",
			Help: "Total number of retry batch state transitions",
		},
		[]string{"from", "to"},
	)

	// BatchTransitionConflicts tracks transitions lost to a concurrent writer
	BatchTransitionConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recoverd_batch_transition_conflicts_total",
			Help: "Total number of batch transitions skipped because the batch had already moved",
		},
		[]string{"to"},
	)

	// Batches tracks the number of batches per status
	Batches = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recoverd_batches",
			Help: "Number of retry batches per status",
		},
		[]string{"status"},
	)

	// MessagesMarked tracks failed messages flagged for retry
	MessagesMarked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recoverd_messages_marked_total",
			Help: "Total number of failed messages flagged as RetryIssued",
		},
	)

	// MessagesStaged tracks messages sent to the staging queue
	MessagesStaged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recoverd_messages_staged_total",
			Help: "Total number of messages moved into the staging queue",
		},
		[]string{"result"},
	)

	// MessagesRelocated tracks messages handled by staging relocators
	MessagesRelocated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recoverd_relocated_messages_total",
			Help: "Total number of staged messages handled by a relocator",
		},
		[]string{"relocator", "result"},
	)

	// ReclassifiedMessages tracks messages whose groups were recomputed
	ReclassifiedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recoverd_reclassified_messages_total",
			Help: "Total number of failed messages reclassified",
		},
	)

	// ReclassifyConflicts tracks per-document updates dropped on version conflict
	ReclassifyConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recoverd_reclassify_conflicts_total",
			Help: "Total number of reclassification updates dropped on concurrency conflict",
		},
	)

	// StackTraceParseTimeouts tracks stack traces that exceeded the parse deadline
	StackTraceParseTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recoverd_stacktrace_parse_timeouts_total",
			Help: "Total number of stack trace parses that timed out",
		},
	)

	// ProcessorTickDuration tracks how long a retry processor tick takes
	ProcessorTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recoverd_processor_tick_duration_seconds",
			Help:    "Duration of retry processor ticks in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TransportMessages tracks messages sent and received per transport
	TransportMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recoverd_transport_messages_total",
			Help: "Total number of transport operations",
		},
		[]string{"transport", "op"},
	)

	// DBConnectionPoolUsage tracks the percentage of the pool in use
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recoverd_db_connection_pool_usage_percent",
			Help: "Percentage of database connections in use",
		},
	)

	// DBBatchSize tracks the size of multi-row writes
	DBBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recoverd_db_batch_size",
			Help:    "Number of rows written per batched statement",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"op"},
	)
)
