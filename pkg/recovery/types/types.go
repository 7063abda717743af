// Package types defines the records shared by the recovery components.
package types

import (
	"fmt"
	"sort"
	"time"
)

// HealthLevel is the assessment of a single probed concern
type HealthLevel string

const (
	// HealthHealthy indicates the concern is fully operational
	HealthHealthy HealthLevel = "healthy"
	// HealthWarning indicates the concern is degraded
	HealthWarning HealthLevel = "warning"
	// HealthError indicates the concern is unavailable
	HealthError HealthLevel = "error"
	// HealthUnknown indicates the concern was not probed
	HealthUnknown HealthLevel = "unknown"
)

// HealthStatus is a point-in-time assessment of the recovery subsystem
type HealthStatus struct {
	Timestamp   time.Time   `json:"timestamp"`
	Database    HealthLevel `json:"database"`
	Storage     HealthLevel `json:"storage"`
	Backups     HealthLevel `json:"backups"`
	Replication HealthLevel `json:"replication"`
	Overall     HealthLevel `json:"overall"`
	Issues      []string    `json:"issues,omitempty"`
}

// BackupType identifies what triggered a backup
type BackupType string

const (
	// BackupManual is a backup requested by an operator
	BackupManual BackupType = "manual"
	// BackupEmergency is an on-demand backup that bypasses the schedule
	BackupEmergency BackupType = "emergency"
	// BackupScheduled is a backup fired by the daily schedule
	BackupScheduled BackupType = "scheduled"
)

// ParseBackupType validates a backup type name
func ParseBackupType(s string) (BackupType, error) {
	switch t := BackupType(s); t {
	case BackupManual, BackupEmergency, BackupScheduled:
		return t, nil
	default:
		return "", fmt.Errorf("invalid backup type: %q", s)
	}
}

// Retention returns the retention class backups of this type receive.
// Scheduled backups are time-boxed, everything else is kept until cleared explicitly.
func (t BackupType) Retention() RetentionClass {
	if t == BackupScheduled {
		return RetentionTimeBoxed
	}
	return RetentionPermanent
}

// BackupStatus represents the lifecycle state of a backup run
type BackupStatus string

const (
	// BackupInProgress indicates tables are still being attempted
	BackupInProgress BackupStatus = "in_progress"
	// BackupCompleted indicates every attempted table succeeded
	BackupCompleted BackupStatus = "completed"
	// BackupCompletedWithErrors indicates some tables failed
	BackupCompletedWithErrors BackupStatus = "completed_with_errors"
	// BackupFailed indicates nothing usable was produced
	BackupFailed BackupStatus = "failed"
)

// TableStatus is the outcome for one table within a backup or restore
type TableStatus string

const (
	// TableCompleted indicates the table was processed successfully
	TableCompleted TableStatus = "completed"
	// TableFailed indicates the table could not be processed
	TableFailed TableStatus = "failed"
)

// RetentionClass determines whether scheduled retention may prune a backup
type RetentionClass string

const (
	// RetentionPermanent backups are only removed by an explicit cleanup
	RetentionPermanent RetentionClass = "permanent"
	// RetentionTimeBoxed backups are pruned once older than the retention period
	RetentionTimeBoxed RetentionClass = "time-boxed"
)

// TableBackupInfo records the outcome of backing up one table
type TableBackupInfo struct {
	Records   int64       `json:"records"`
	Status    TableStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Error     string      `json:"error,omitempty"`
}

// BackupMetadata holds descriptive attributes of a backup
type BackupMetadata struct {
	Retention RetentionClass `json:"retention"`
}

// BackupRecord is the metadata describing one backup run
type BackupRecord struct {
	ID        string                     `json:"id"`
	Timestamp time.Time                  `json:"timestamp"`
	Type      BackupType                 `json:"type"`
	Status    BackupStatus               `json:"status"`
	Tables    map[string]TableBackupInfo `json:"tables"`
	// TableOrder lists tables in the order they were attempted
	TableOrder []string       `json:"tableOrder,omitempty"`
	Metadata   BackupMetadata `json:"metadata"`
}

// OrderedTables returns table names in attempt order, falling back to
// alphabetical order for records written without one.
func (r *BackupRecord) OrderedTables() []string {
	if len(r.TableOrder) == len(r.Tables) {
		out := make([]string, len(r.TableOrder))
		copy(out, r.TableOrder)
		return out
	}
	names := make([]string, 0, len(r.Tables))
	for name := range r.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TotalRecords sums the row counts of all completed tables
func (r *BackupRecord) TotalRecords() int64 {
	var total int64
	for _, info := range r.Tables {
		if info.Status == TableCompleted {
			total += info.Records
		}
	}
	return total
}

// FailedTables returns the names of tables that failed, in attempt order
func (r *BackupRecord) FailedTables() []string {
	var failed []string
	for _, name := range r.OrderedTables() {
		if r.Tables[name].Status == TableFailed {
			failed = append(failed, name)
		}
	}
	return failed
}

// Row is a single relational row keyed by column name
type Row map[string]interface{}

// BackupPayload is the serialized row set of one table within one backup
type BackupPayload struct {
	BackupID    string    `json:"backup_id"`
	TableName   string    `json:"table_name"`
	Rows        []Row     `json:"data"`
	RecordCount int64     `json:"record_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// RestoreStatus represents the terminal or current state of a restore
type RestoreStatus string

const (
	// RestoreInProgress indicates tables are still being restored
	RestoreInProgress RestoreStatus = "in_progress"
	// RestoreCompleted indicates every requested table was restored
	RestoreCompleted RestoreStatus = "completed"
	// RestoreCompletedWithErrors indicates some requested tables failed
	RestoreCompletedWithErrors RestoreStatus = "completed_with_errors"
	// RestoreFailed indicates every requested table failed or validation failed
	RestoreFailed RestoreStatus = "failed"
	// RestoreCancelled indicates the confirmation gate was declined
	RestoreCancelled RestoreStatus = "cancelled"
)

// TableRestoreInfo records the outcome of restoring one table
type TableRestoreInfo struct {
	Records   int64       `json:"records,omitempty"`
	Status    TableStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// RestoreError is one entry in the ordered restore error log
type RestoreError struct {
	Table     string    `json:"table"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// RestoreResult is the operational outcome of one restore invocation
type RestoreResult struct {
	BackupID       string                      `json:"backupId"`
	StartTime      time.Time                   `json:"startTime"`
	EndTime        time.Time                   `json:"endTime"`
	Status         RestoreStatus               `json:"status"`
	TablesRestored map[string]TableRestoreInfo `json:"tablesRestored"`
	Errors         []RestoreError              `json:"errors"`
}

// RestoreSimulation summarizes what a restore would do without doing it
type RestoreSimulation struct {
	BackupID          string        `json:"backupId"`
	BackupTimestamp   time.Time     `json:"backupTimestamp"`
	Tables            []string      `json:"tables"`
	TotalRecords      int64         `json:"totalRecords"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
	Warnings          []string      `json:"warnings"`
}

// CleanupResult summarizes one retention pass
type CleanupResult struct {
	ClearedCount   int      `json:"clearedCount"`
	ClearedBackups []string `json:"clearedBackups"`
	Errors         []string `json:"errors"`
}
