package metrics

const (
	// process health
	MetricUp = "task_launcher_up"

	// task state, built from registry snapshots at scrape time
	MetricTaskState       = "task_launcher_task_state"
	MetricTaskRemaining   = "task_launcher_task_window_remaining_seconds"
	MetricTaskAutoStopped = "task_launcher_task_auto_stopped"
	MetricPoolSessions    = "task_launcher_ssh_pool_sessions"

	// activity
	MetricBatchesTotal      = "task_launcher_batches_total"
	MetricAutoStopsTotal    = "task_launcher_auto_stops_total"
	MetricReconcileRuns     = "task_launcher_reconcile_runs_total"
	MetricReconcileFailures = "task_launcher_reconcile_failures_total"
	MetricReconcileDuration = "task_launcher_reconcile_duration_seconds"
)
