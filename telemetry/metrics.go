package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// FetchBuckets for background value fetches (queue wait and disk load)
	FetchBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// TaskBuckets for dispatcher task run times
	TaskBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Producer Metrics
var (
	// TapConnections tracks live connections by kind (producer, consumer)
	TapConnections GaugeVec = noopGaugeVec{}

	// TapEventsSentTotal counts messages handed to transport by event
	TapEventsSentTotal CounterVec = noopCounterVec{}

	// TapAcksTotal counts acks processed by status (success, tmpfail, error)
	TapAcksTotal CounterVec = noopCounterVec{}

	// TapRescheduledTotal counts log entries put back on a queue after a nack or rollback
	TapRescheduledTotal Counter = NoopStat{}

	// TapWindowFullTotal counts Next calls that paused on a full ack window
	TapWindowFullTotal Counter = NoopStat{}

	// TapBackpressureTotal counts Next calls that paused on memory overhead
	TapBackpressureTotal Counter = NoopStat{}

	// TapSuspensionsTotal counts producers suspended after a temporary failure
	TapSuspensionsTotal Counter = NoopStat{}

	// TapDisconnectsTotal counts disconnects by reason
	TapDisconnectsTotal CounterVec = noopCounterVec{}

	// TapBackfillsScheduledTotal counts backfill tasks scheduled
	TapBackfillsScheduledTotal Counter = NoopStat{}

	// TapBackfillItemsTotal counts backfilled items by source (memory, disk)
	TapBackfillItemsTotal CounterVec = noopCounterVec{}

	// TapBGFetchedTotal counts values delivered by background fetch
	TapBGFetchedTotal Counter = NoopStat{}

	// TapBGRequeuedTotal counts background fetches retried after a miss
	TapBGRequeuedTotal Counter = NoopStat{}

	// TapBGWaitSeconds measures time between queueing and running a fetch
	TapBGWaitSeconds Histogram = NoopStat{}

	// TapBGLoadSeconds measures disk load time of a fetch
	TapBGLoadSeconds Histogram = NoopStat{}
)

// Backlog Metrics, sampled by MetricsCollector
var (
	// TapBacklogItems is the sum of queued items across producers
	TapBacklogItems Gauge = NoopStat{}

	// TapAckLogEntries is the sum of unacknowledged entries across producers
	TapAckLogEntries Gauge = NoopStat{}

	// TapMemoryOverheadBytes is the estimated memory held by tap queues
	TapMemoryOverheadBytes Gauge = NoopStat{}
)

// Consumer Metrics
var (
	// TapConsumerEventsTotal counts inbound events by event and result
	TapConsumerEventsTotal CounterVec = noopCounterVec{}
)

// Dispatcher and Store Metrics
var (
	// DispatcherTaskSeconds measures task run time per dispatcher
	DispatcherTaskSeconds HistogramVec = noopHistogramVec{}

	// DispatcherSlowTasksTotal counts tasks above the slow threshold
	DispatcherSlowTasksTotal CounterVec = noopCounterVec{}

	// StoreFlushedItemsTotal counts items persisted by the flusher
	StoreFlushedItemsTotal Counter = NoopStat{}
)

// InitMetrics binds package metrics to the active registry.
func InitMetrics() {
	TapConnections = NewGaugeVec(
		"tap_connections",
		"Live tap connections by kind",
		[]string{"kind"},
	)
	TapEventsSentTotal = NewCounterVec(
		"tap_events_sent_total",
		"Tap messages sent by event",
		[]string{"event"},
	)
	TapAcksTotal = NewCounterVec(
		"tap_acks_total",
		"Tap acks processed by status",
		[]string{"status"},
	)
	TapRescheduledTotal = NewCounter(
		"tap_rescheduled_total",
		"Unacknowledged entries requeued for retransmission",
	)
	TapWindowFullTotal = NewCounter(
		"tap_window_full_total",
		"Pauses caused by a full ack window",
	)
	TapBackpressureTotal = NewCounter(
		"tap_backpressure_total",
		"Pauses caused by tap memory overhead",
	)
	TapSuspensionsTotal = NewCounter(
		"tap_suspensions_total",
		"Producers suspended after a temporary failure",
	)
	TapDisconnectsTotal = NewCounterVec(
		"tap_disconnects_total",
		"Tap disconnects by reason",
		[]string{"reason"},
	)
	TapBackfillsScheduledTotal = NewCounter(
		"tap_backfills_scheduled_total",
		"Backfill tasks scheduled",
	)
	TapBackfillItemsTotal = NewCounterVec(
		"tap_backfill_items_total",
		"Backfilled items by source",
		[]string{"source"},
	)
	TapBGFetchedTotal = NewCounter(
		"tap_bg_fetched_total",
		"Values delivered by background fetch",
	)
	TapBGRequeuedTotal = NewCounter(
		"tap_bg_requeued_total",
		"Background fetches retried after a miss",
	)
	TapBGWaitSeconds = NewHistogramWithBuckets(
		"tap_bg_wait_seconds",
		"Background fetch queue wait in seconds",
		FetchBuckets,
	)
	TapBGLoadSeconds = NewHistogramWithBuckets(
		"tap_bg_load_seconds",
		"Background fetch load time in seconds",
		FetchBuckets,
	)

	TapBacklogItems = NewGauge(
		"tap_backlog_items",
		"Queued items across producers",
	)
	TapAckLogEntries = NewGauge(
		"tap_ack_log_entries",
		"Unacknowledged entries across producers",
	)
	TapMemoryOverheadBytes = NewGauge(
		"tap_memory_overhead_bytes",
		"Estimated memory held by tap queues",
	)

	TapConsumerEventsTotal = NewCounterVec(
		"tap_consumer_events_total",
		"Inbound tap events by event and result",
		[]string{"event", "result"},
	)

	DispatcherTaskSeconds = NewHistogramVec(
		"dispatcher_task_seconds",
		"Dispatcher task run time in seconds",
		[]string{"dispatcher"},
		TaskBuckets,
	)
	DispatcherSlowTasksTotal = NewCounterVec(
		"dispatcher_slow_tasks_total",
		"Dispatcher tasks slower than the configured threshold",
		[]string{"dispatcher"},
	)
	StoreFlushedItemsTotal = NewCounter(
		"store_flushed_items_total",
		"Items persisted by the flusher",
	)
}
