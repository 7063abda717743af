// Package recovery wires the backup, restore, retention, health and
// replication components into a single service object.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/RecoveryGuard/pkg/backup"
	"github.com/supporttools/RecoveryGuard/pkg/backupstore"
	"github.com/supporttools/RecoveryGuard/pkg/config"
	"github.com/supporttools/RecoveryGuard/pkg/health"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/primary"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
	"github.com/supporttools/RecoveryGuard/pkg/replication"
	"github.com/supporttools/RecoveryGuard/pkg/restore"
	"github.com/supporttools/RecoveryGuard/pkg/retention"
	"github.com/supporttools/RecoveryGuard/pkg/storage"
	"github.com/supporttools/RecoveryGuard/pkg/storage/backends"
)

// BackupSummary describes the state of backups for status reporting
type BackupSummary struct {
	InProgress        bool                `json:"inProgress"`
	RestoreInProgress bool                `json:"restoreInProgress"`
	Level             types.HealthLevel   `json:"level"`
	Issues            []string            `json:"issues,omitempty"`
	Count             int                 `json:"count"`
	Latest            *types.BackupRecord `json:"latest,omitempty"`
}

// Objectives are the advisory recovery targets
type Objectives struct {
	RTOHours   int      `json:"rtoHours"`
	RPOMinutes int      `json:"rpoMinutes"`
	Tables     []string `json:"tables"`
	Storage    []string `json:"storageLocations"`
}

// Status is the full view served to the admin surface
type Status struct {
	Initialized      bool                  `json:"isInitialized"`
	BackupStatus     BackupSummary         `json:"backupStatus"`
	HealthCheck      types.HealthStatus    `json:"healthCheck"`
	AvailableBackups []*types.BackupRecord `json:"availableBackups"`
	Objectives       Objectives            `json:"objectives"`
	Replication      *replication.Stats    `json:"replication,omitempty"`
}

// CleanupOutcome pairs a new backup with the cleanup that followed it
type CleanupOutcome struct {
	Backup  *types.BackupRecord  `json:"backup"`
	Cleanup *types.CleanupResult `json:"cleanup"`
}

// Manager is the recovery service object. It is constructed explicitly and
// owns every recovery component.
type Manager struct {
	cfg         config.RecoveryConfig
	db          primary.Store
	backends    []storage.Backend
	store       *backupstore.Store
	backups     *backup.Manager
	restores    *restore.Manager
	retention   *retention.Manager
	health      *health.Monitor
	replication *replication.Watcher
	logger      *logrus.Logger

	initialized atomic.Bool
}

// Option customizes a Manager
type Option func(*options)

type options struct {
	source replication.ChangeSource
}

// WithReplication attaches a change source; the watcher starts with Start
func WithReplication(source replication.ChangeSource) Option {
	return func(o *options) { o.source = source }
}

// New builds a Manager over the primary store and the opened backends
func New(cfg *config.AppConfig, db primary.Store, locations []storage.Backend, logger *logrus.Logger, opts ...Option) *Manager {
	logger = logging.OrDefault(logger)
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rc := cfg.Recovery
	store := backupstore.New(locations, backupstore.Options{WriteQuorum: rc.WriteQuorum}, logger)
	m := &Manager{
		cfg:      rc,
		db:       db,
		backends: locations,
		store:    store,
		backups: backup.NewManager(db, store, backup.Tiers{
			Critical:        rc.DataPriorities.Critical,
			Important:       rc.DataPriorities.Important,
			Standard:        rc.DataPriorities.Standard,
			IncludeStandard: rc.IncludeStandardTier,
		}, logger),
		restores: restore.NewManager(db, store, restore.Config{
			InsertBatchSize:          cfg.Restore.InsertBatchSize,
			EstimateRecordsPerSecond: cfg.Restore.EstimateRecordsPerSecond,
		}, logger),
		retention: retention.NewManager(store, retention.Config{
			Period:       cfg.RetentionPeriod(),
			MaxBackupAge: cfg.MaxBackupAge(),
		}, logger),
		logger: logger,
	}

	var reporter health.ReplicationReporter
	if o.source != nil {
		m.replication = replication.NewWatcher(o.source, rc.DataPriorities.Critical, cfg.Replication.ChannelPrefix, logger)
		reporter = m.replication
	}
	m.health = health.NewMonitor(health.Config{
		ProbeTable:   cfg.Primary.ProbeTable,
		ProbeTimeout: cfg.StorageProbeTimeout(),
	}, db, locations, m.retention, reporter, logger)

	return m
}

// Start starts the replication watcher, if any, and runs a first health check
func (m *Manager) Start(ctx context.Context) error {
	if m.replication != nil {
		if err := m.replication.Start(ctx); err != nil {
			// Replication is observational; the rest of the service still works
			m.logger.WithError(err).Warn("Replication watcher did not start")
		}
	}
	status := m.health.CheckHealth(ctx)
	m.initialized.Store(true)
	m.logger.WithField("overall", status.Overall).Info("Recovery manager initialized")
	return nil
}

// Close stops the replication watcher and closes the backends and the primary store
func (m *Manager) Close() error {
	var errs []error
	if m.replication != nil {
		if err := m.replication.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	backends.Close(m.backends, m.logger)
	if err := m.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetRecoveryStatus reports health, backup state and the available backups
func (m *Manager) GetRecoveryStatus(ctx context.Context) (*Status, error) {
	backups, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	healthStatus, ok := m.health.Last()
	if !ok {
		healthStatus = m.health.CheckHealth(ctx)
	}

	level, issues := m.retention.CheckBackupStatus(ctx)
	summary := BackupSummary{
		InProgress:        m.backups.InProgress(),
		RestoreInProgress: m.restores.InProgress(),
		Level:             level,
		Issues:            issues,
		Count:             len(backups),
	}
	if len(backups) > 0 {
		summary.Latest = backups[0]
	}

	status := &Status{
		Initialized:      m.initialized.Load(),
		BackupStatus:     summary,
		HealthCheck:      healthStatus,
		AvailableBackups: backups,
		Objectives: Objectives{
			RTOHours:   m.cfg.RTOHours,
			RPOMinutes: m.cfg.RPOMinutes,
			Tables:     m.backups.Tables(),
			Storage:    m.storageNames(),
		},
	}
	if m.replication != nil {
		stats := m.replication.Stats()
		status.Replication = &stats
	}
	return status, nil
}

func (m *Manager) storageNames() []string {
	var names []string
	for _, b := range m.store.Backends() {
		names = append(names, b.Name())
	}
	return names
}

// CreateBackup runs a backup of the given type
func (m *Manager) CreateBackup(ctx context.Context, backupType types.BackupType) (*types.BackupRecord, error) {
	return m.backups.CreateBackup(ctx, backupType)
}

// BeginBackup reserves the backup slot and returns the job that runs it
func (m *Manager) BeginBackup(backupType types.BackupType) (backup.Job, error) {
	return m.backups.BeginBackup(backupType)
}

// BackupInProgress reports whether a backup is running
func (m *Manager) BackupInProgress() bool {
	return m.backups.InProgress()
}

// Restore restores or simulates restoring backup id
func (m *Manager) Restore(ctx context.Context, id string, opts restore.Options) (*types.RestoreResult, *types.RestoreSimulation, error) {
	return m.restores.Restore(ctx, id, opts)
}

// ClearOldBackups deletes every backup older than cutoff
func (m *Manager) ClearOldBackups(ctx context.Context, cutoff time.Time) (*types.CleanupResult, error) {
	return m.retention.ClearOldBackups(ctx, cutoff)
}

// EnforceRetention applies the configured retention period
func (m *Manager) EnforceRetention(ctx context.Context) (*types.CleanupResult, error) {
	return m.retention.EnforceRetention(ctx)
}

// CleanupJob runs a reserved backup followed by its cleanup
type CleanupJob func(ctx context.Context) (*CleanupOutcome, error)

// BeginBackupWithCleanup reserves the backup slot and returns a job that
// takes the backup, then clears backups older than cutoff. The new backup is
// never part of the cleanup, and a cleanup failure is reported in the cleanup
// result rather than discarding it.
func (m *Manager) BeginBackupWithCleanup(backupType types.BackupType, cutoff time.Time) (CleanupJob, error) {
	job, err := m.backups.BeginBackup(backupType)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (*CleanupOutcome, error) {
		record, err := job(ctx)
		if err != nil {
			return &CleanupOutcome{Backup: record}, err
		}

		cleanup, err := m.retention.ClearOldBackups(ctx, cutoff, record.ID)
		if err != nil {
			m.logger.WithError(err).Warn("Cleanup after backup failed")
			cleanup.Errors = append(cleanup.Errors, err.Error())
		}
		return &CleanupOutcome{Backup: record, Cleanup: cleanup}, nil
	}, nil
}

// CreateBackupWithCleanup takes a backup, then clears backups older than cutoff
func (m *Manager) CreateBackupWithCleanup(ctx context.Context, backupType types.BackupType, cutoff time.Time) (*CleanupOutcome, error) {
	job, err := m.BeginBackupWithCleanup(backupType, cutoff)
	if err != nil {
		return nil, err
	}
	return job(ctx)
}

// CheckHealth runs a health check now
func (m *Manager) CheckHealth(ctx context.Context) types.HealthStatus {
	return m.health.CheckHealth(ctx)
}

// ListBackups returns every readable backup, newest first
func (m *Manager) ListBackups(ctx context.Context) ([]*types.BackupRecord, error) {
	return m.store.List(ctx)
}

// GetBackup returns one backup record
func (m *Manager) GetBackup(ctx context.Context, id string) (*types.BackupRecord, error) {
	return m.store.ReadMetadata(ctx, id)
}
