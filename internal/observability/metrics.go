package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for ILShield.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Protection ---
	CoveragePurchased    prometheus.Counter
	PremiumsCollected    *prometheus.CounterVec
	PayoutsExecuted      prometheus.Counter
	PayoutsAmount        *prometheus.CounterVec
	PayoutsClamped       prometheus.Counter
	OpenPositions        prometheus.Gauge
	PoolTotalCoverage    *prometheus.GaugeVec
	PoolUtilizedCoverage *prometheus.GaugeVec
	FundBalance          *prometheus.GaugeVec

	// --- Ingestion & Channels ---
	IngestMessages  *prometheus.CounterVec
	NATSPullLatency *prometheus.HistogramVec
	ChannelSize     *prometheus.GaugeVec
	ProjectionDrops *prometheus.CounterVec
	PublishDrops    prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & Replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Projection & Cache ---
	ProjectionUpdateDur *prometheus.HistogramVec
	TickCacheWrites     *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	dbBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ilshield_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ilshield_core_events_rejected_total",
			Help: "Events rejected (duplicate, validation, limits, transfer)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ilshield_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ilshield_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ilshield_core_sequence",
			Help: "Current global sequence number",
		}),

		// Protection
		CoveragePurchased: factory.NewCounter(prometheus.CounterOpts{
			Name: "ilshield_coverage_purchased_total",
			Help: "Positions opened with protection",
		}),

		PremiumsCollected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ilshield_premiums_collected",
			Help: "Premiums collected (token units)",
		}, []string{"currency"}),

		PayoutsExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ilshield_payouts_executed_total",
			Help: "Non-zero payouts executed",
		}),

		PayoutsAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ilshield_payouts_amount",
			Help: "Payout amount (token units)",
		}, []string{"currency"}),

		PayoutsClamped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ilshield_payouts_clamped_total",
			Help: "Payouts reduced by the per-position or 50% cap",
		}),

		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ilshield_open_positions",
			Help: "Live protected positions",
		}),

		PoolTotalCoverage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ilshield_pool_total_coverage",
			Help: "Total coverage per pool",
		}, []string{"pool"}),

		PoolUtilizedCoverage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ilshield_pool_utilized_coverage",
			Help: "Cumulative payouts per pool",
		}, []string{"pool"}),

		FundBalance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ilshield_protection_fund_balance",
			Help: "Protection fund balance per currency",
		}, []string{"currency"}),

		// Ingestion & Channels
		IngestMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ilshield_ingest_messages_total",
			Help: "Inbound messages by event type and outcome",
		}, []string{"event_type", "outcome"}),

		NATSPullLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ilshield_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"subject"}),

		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ilshield_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ProjectionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ilshield_projection_drops_total",
			Help: "Outputs dropped due to a full channel",
		}, []string{"channel"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "ilshield_publish_drops_total",
			Help: "Notifications that failed to publish",
		}),

		// Idempotency
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ilshield_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ilshield_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ilshield_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ilshield_dedup_tier2_errors_total",
			Help: "Postgres dedup lookup failures",
		}),

		// Persistence
		PersistEventsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "ilshield_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "ilshield_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ilshield_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ilshield_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ilshield_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "ilshield_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ilshield_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot & Replay
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "ilshield_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ilshield_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ilshield_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ReplayEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ilshield_replay_events_total",
			Help: "Events replayed on startup",
		}),

		// Projection & Cache
		ProjectionUpdateDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ilshield_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: dbBuckets,
		}, []string{"event_type"}),

		TickCacheWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ilshield_tick_cache_writes_total",
			Help: "Redis tick cache writes by outcome",
		}, []string{"outcome"}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ilshield_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ilshield_query_duration_seconds",
			Help:    "Query latency",
			Buckets: dbBuckets,
		}, []string{"endpoint"}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ilshield_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}
