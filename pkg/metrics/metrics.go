// Package metrics provides Prometheus metrics for recovery operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	// BackupCount tracks the total number of backup runs by type and final status
	BackupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_backup_total",
		Help: "The total number of backup runs performed",
	}, []string{"type", "status"})

	// BackupDuration measures time taken to perform a backup run
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recovery_backup_duration_seconds",
		Help:    "Time taken to perform a backup run",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TableBackupCount tracks per-table backup outcomes
	TableBackupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_table_backup_total",
		Help: "The total number of table snapshots attempted",
	}, []string{"table", "status"})

	// TableBackupRecords records the row count of the last snapshot of each table
	TableBackupRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recovery_table_backup_records",
		Help: "Number of rows captured in the last snapshot of a table",
	}, []string{"table"})

	// LastBackupTimestamp records timestamp of the last backup that produced data
	LastBackupTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recovery_backup_last_timestamp",
		Help: "Timestamp of the last successful backup",
	}, []string{"type"})

	// BackendWriteCount tracks writes to each persistence backend
	BackendWriteCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_backend_write_total",
		Help: "The total number of writes issued to a storage backend",
	}, []string{"backend", "status"})

	// BackendWriteBytes tracks bytes written to each persistence backend
	BackendWriteBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_backend_write_bytes_total",
		Help: "Bytes written to a storage backend",
	}, []string{"backend"})

	// RestoreCount tracks restore invocations by final status
	RestoreCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_restore_total",
		Help: "The total number of restore invocations",
	}, []string{"status"})

	// RestoreDuration measures time taken to restore a backup
	RestoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recovery_restore_duration_seconds",
		Help:    "Time taken to restore a backup",
		Buckets: prometheus.DefBuckets,
	})

	// RestoredRecords counts rows written back into the primary store
	RestoredRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_restored_records_total",
		Help: "Rows inserted into the primary store by restores",
	}, []string{"table"})

	// RetentionDeletes counts backups deleted by retention
	RetentionDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_retention_deletions_total",
		Help: "The total number of backups deleted by retention",
	}, []string{"trigger"})

	// RetentionErrors counts failures while deleting backups
	RetentionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recovery_retention_errors_total",
		Help: "The total number of errors encountered during retention passes",
	})

	// HealthStatus exposes the latest health level per component (1 for the current level)
	HealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recovery_health_status",
		Help: "Latest health assessment per component; the active level is set to 1",
	}, []string{"component", "level"})

	// HealthCheckTimestamp records when health was last assessed
	HealthCheckTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recovery_health_check_last_timestamp",
		Help: "Timestamp of the last health check",
	})

	// ReplicationEvents counts change notifications observed per table
	ReplicationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_replication_events_total",
		Help: "Change notifications observed by the replication watcher",
	}, []string{"table"})

	// ScheduledRunsSkipped counts scheduled backups skipped because of health
	ScheduledRunsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_scheduled_backup_skipped_total",
		Help: "Scheduled backups skipped before starting",
	}, []string{"reason"})
)

// healthLevels lists every level a component can report
var healthLevels = []string{"healthy", "warning", "error", "unknown"}

// SetHealth marks level as the active level for component
func SetHealth(component, level string) {
	for _, l := range healthLevels {
		v := 0.0
		if l == level {
			v = 1
		}
		HealthStatus.WithLabelValues(component, l).Set(v)
	}
}
