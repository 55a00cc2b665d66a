package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// TasksTotal tracks the total number of background tasks processed
	// (registry reload, matview refresh).
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dflow_tasks_total",
			Help: "Total number of background tasks processed",
		},
		[]string{"component", "status"}, // status: success, failed
	)

	// TaskDuration measures task execution duration in seconds.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dflow_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"component", "status"},
	)

	// TasksRunning tracks the number of currently running tasks.
	TasksRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dflow_tasks_running",
			Help: "Number of currently running background tasks",
		},
		[]string{"component", "phase"},
	)

	// SchedulerActive indicates whether a scheduler.Task is armed.
	SchedulerActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dflow_scheduler_active",
			Help: "Whether a scheduled task is armed (1=armed, 0=inactive)",
		},
		[]string{"task"},
	)

	// TasksEnqueued counts total number of tasks enqueued onto Asynq.
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dflow_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"queue"},
	)

	// QueueDepth measures number of tasks in queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dflow_queue_depth",
			Help: "Number of tasks in queue",
		},
		[]string{"queue", "state"}, // state: pending, active, scheduled, retry
	)

	// ClickHouseQueries counts total number of ClickHouse queries executed.
	ClickHouseQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dflow_clickhouse_queries_total",
			Help: "Total number of ClickHouse queries executed",
		},
		[]string{"query_type", "status"}, // query_type: select, insert, ddl; status: success, error
	)

	// ClickHouseQueryDuration measures ClickHouse query execution time.
	ClickHouseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dflow_clickhouse_query_duration_seconds",
			Help:    "ClickHouse query execution time",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"query_type"},
	)

	// PipeBlocksCopied counts blocks the C1 pipe copier has moved from
	// source to sink.
	PipeBlocksCopied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dflow_pipe_blocks_copied_total",
			Help: "Total number of blocks copied by the pipe copier",
		},
		[]string{"pipe"},
	)

	// PipeRowsCopied counts rows the C1 pipe copier has moved.
	PipeRowsCopied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dflow_pipe_rows_copied_total",
			Help: "Total number of rows copied by the pipe copier",
		},
		[]string{"pipe"},
	)

	// FanoutBlocksWritten counts blocks the C4 fan-out writer has delivered
	// to each dependent view sink.
	FanoutBlocksWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dflow_fanout_blocks_written_total",
			Help: "Total number of blocks written by the fan-out writer to a dependent view",
		},
		[]string{"source", "view", "status"}, // status: success, error
	)

	// RegistryLoadedObjects tracks how many loadables a registry currently
	// holds without a construction exception.
	RegistryLoadedObjects = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dflow_registry_loaded_objects",
			Help: "Number of loadable objects currently loaded without error",
		},
		[]string{"registry", "source"}, // source: file, catalog
	)

	// RegistryFailedObjects tracks how many loadables currently carry a
	// construction exception, awaiting retry.
	RegistryFailedObjects = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dflow_registry_failed_objects",
			Help: "Number of loadable objects currently failing construction",
		},
		[]string{"registry", "source"},
	)

	// RegistryReloadDuration measures a full reload-and-update cycle.
	RegistryReloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dflow_registry_reload_duration_seconds",
			Help:    "Duration of a registry reload-and-update cycle",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"registry"},
	)

	// MatviewRefreshTotal counts materialized view refresh attempts.
	MatviewRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dflow_matview_refresh_total",
			Help: "Total number of materialized view refresh attempts",
		},
		[]string{"view", "status"}, // status: success, failed
	)

	// MatviewRefreshDuration measures the full five-step refresh protocol.
	MatviewRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dflow_matview_refresh_duration_seconds",
			Help:    "Duration of a materialized view refresh",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"view"},
	)

	// AggmemRowsWritten counts rows merged into an in-memory aggregating
	// table's shared variants arena.
	AggmemRowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dflow_aggmem_rows_written_total",
			Help: "Total number of rows merged into an aggregating table",
		},
		[]string{"table"},
	)

	// AggmemGroups tracks the number of distinct key groups currently held
	// in an aggregating table's shared state.
	AggmemGroups = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dflow_aggmem_groups",
			Help: "Number of distinct key groups held by an aggregating table",
		},
		[]string{"table"},
	)

	// ErrorsTotal counts total number of errors.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dflow_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordTaskStart records the start of a background task.
func RecordTaskStart(component, phase string) {
	TasksRunning.WithLabelValues(component, phase).Inc()
}

// RecordTaskComplete records task completion.
func RecordTaskComplete(component, phase, status string, duration float64) {
	TasksRunning.WithLabelValues(component, phase).Dec()
	TasksTotal.WithLabelValues(component, status).Inc()
	TaskDuration.WithLabelValues(component, status).Observe(duration)
}

// RecordClickHouseQuery records ClickHouse query metrics.
func RecordClickHouseQuery(queryType, status string, duration float64) {
	ClickHouseQueries.WithLabelValues(queryType, status).Inc()
	ClickHouseQueryDuration.WithLabelValues(queryType).Observe(duration)
}

// RecordTaskEnqueued records a task enqueue.
func RecordTaskEnqueued(queue string) {
	TasksEnqueued.WithLabelValues(queue).Inc()
}

// RecordPipeCopy records one block (and its rows) moved by the pipe copier.
func RecordPipeCopy(pipe string, rows float64) {
	PipeBlocksCopied.WithLabelValues(pipe).Inc()
	PipeRowsCopied.WithLabelValues(pipe).Add(rows)
}

// RecordFanoutWrite records one fan-out delivery to a dependent view.
func RecordFanoutWrite(source, view, status string) {
	FanoutBlocksWritten.WithLabelValues(source, view, status).Inc()
}

// RecordMatviewRefresh records a completed materialized view refresh.
func RecordMatviewRefresh(view, status string, duration float64) {
	MatviewRefreshTotal.WithLabelValues(view, status).Inc()
	MatviewRefreshDuration.WithLabelValues(view).Observe(duration)
}

// RecordAggmemWrite records rows merged into an aggregating table.
func RecordAggmemWrite(table string, rows float64) {
	AggmemRowsWritten.WithLabelValues(table).Add(rows)
}

// RecordAggmemGroups sets the current number of distinct key groups held by
// an aggregating table.
func RecordAggmemGroups(table string, groups float64) {
	AggmemGroups.WithLabelValues(table).Set(groups)
}

// RecordRegistryLoad sets the current loaded/failed loadable counts for a
// registry's source.
func RecordRegistryLoad(registry, source string, loaded, failed float64) {
	RegistryLoadedObjects.WithLabelValues(registry, source).Set(loaded)
	RegistryFailedObjects.WithLabelValues(registry, source).Set(failed)
}

// RecordRegistryReload records a completed reload-and-update cycle.
func RecordRegistryReload(registry string, duration float64) {
	RegistryReloadDuration.WithLabelValues(registry).Observe(duration)
}

// RecordQueueDepth sets the current task count for a queue/state pair.
func RecordQueueDepth(queue, state string, depth float64) {
	QueueDepth.WithLabelValues(queue, state).Set(depth)
}

// RecordError records an error.
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordScheduledTaskRegistered marks a scheduled task as armed.
func RecordScheduledTaskRegistered(taskID string) {
	SchedulerActive.WithLabelValues(taskID).Set(1)
}

// RecordScheduledTaskUnregistered marks a scheduled task as inactive.
func RecordScheduledTaskUnregistered(taskID string) {
	SchedulerActive.WithLabelValues(taskID).Set(0)
}
