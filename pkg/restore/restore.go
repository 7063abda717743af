// Package restore writes backed-up table payloads back into the primary store.
package restore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/RecoveryGuard/pkg/backupstore"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/metrics"
	"github.com/supporttools/RecoveryGuard/pkg/primary"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
)

// ErrRestoreInProgress is returned when a restore is requested while another runs
var ErrRestoreInProgress = errors.New("restore already in progress")

// Default tuning values
const (
	DefaultInsertBatchSize          = 500
	DefaultEstimateRecordsPerSecond = 1000
)

// Source is where backups are read from
type Source interface {
	ReadMetadata(ctx context.Context, id string) (*types.BackupRecord, error)
	ReadPayload(ctx context.Context, id, table string) (*types.BackupPayload, error)
	HasPayload(ctx context.Context, id, table string) bool
}

// ConfirmFunc is asked before an overwriting restore proceeds
type ConfirmFunc func(ctx context.Context, sim *types.RestoreSimulation) bool

// Options controls a single restore
type Options struct {
	// DryRun only computes a simulation
	DryRun bool
	// ConfirmOverwrite requires Confirm to approve the simulation first
	ConfirmOverwrite bool
	Confirm          ConfirmFunc
	// ClearExisting deletes all rows of each table before inserting
	ClearExisting bool
	// Tables limits the restore; empty means every table in the backup
	Tables []string
}

// Config tunes the restore path
type Config struct {
	InsertBatchSize          int
	EstimateRecordsPerSecond int
}

// Manager handles restore operations
type Manager struct {
	primary primary.Store
	source  Source
	cfg     Config
	logger  *logrus.Logger

	running atomic.Bool
	now     func() time.Time
}

// NewManager creates a new restore manager
func NewManager(db primary.Store, source Source, cfg Config, logger *logrus.Logger) *Manager {
	if cfg.InsertBatchSize <= 0 {
		cfg.InsertBatchSize = DefaultInsertBatchSize
	}
	if cfg.EstimateRecordsPerSecond <= 0 {
		cfg.EstimateRecordsPerSecond = DefaultEstimateRecordsPerSecond
	}
	return &Manager{
		primary: db,
		source:  source,
		cfg:     cfg,
		logger:  logging.OrDefault(logger),
		now:     time.Now,
	}
}

// InProgress reports whether a restore is running
func (m *Manager) InProgress() bool {
	return m.running.Load()
}

// Restore restores backup id according to opts.
//
// A dry run returns only the simulation. An overwriting restore returns both
// the simulation it was confirmed against and the result. Validation problems
// produce a failed result rather than an error; the error is reserved for a
// restore that could not start.
func (m *Manager) Restore(ctx context.Context, id string, opts Options) (*types.RestoreResult, *types.RestoreSimulation, error) {
	if !opts.DryRun {
		if !m.running.CompareAndSwap(false, true) {
			return nil, nil, ErrRestoreInProgress
		}
		defer m.running.Store(false)
	}

	result := &types.RestoreResult{
		BackupID:       id,
		StartTime:      m.now(),
		Status:         types.RestoreInProgress,
		TablesRestored: make(map[string]types.TableRestoreInfo),
		Errors:         []types.RestoreError{},
	}
	log := m.logger.WithField("backup", id)

	record, err := m.source.ReadMetadata(ctx, id)
	if err != nil {
		msg := fmt.Sprintf("backup %s not found", id)
		if !errors.Is(err, backupstore.ErrNotFound) {
			msg = fmt.Sprintf("failed to read backup %s: %v", id, err)
		}
		log.WithError(err).Warn("Restore rejected")
		return m.fail(result, "", msg), nil, nil
	}

	tables, err := requestedTables(record, opts.Tables)
	if err != nil {
		log.WithError(err).Warn("Restore rejected")
		return m.fail(result, "", err.Error()), nil, nil
	}

	sim := m.simulate(ctx, record, tables, opts)
	if opts.DryRun {
		log.WithFields(logrus.Fields{
			"tables":  len(sim.Tables),
			"records": sim.TotalRecords,
		}).Info("Restore dry run")
		return nil, sim, nil
	}

	if opts.ConfirmOverwrite {
		if opts.Confirm == nil || !opts.Confirm(ctx, sim) {
			log.Info("Restore cancelled at confirmation")
			result.Status = types.RestoreCancelled
			result.EndTime = m.now()
			metrics.RestoreCount.WithLabelValues(string(result.Status)).Inc()
			return result, sim, nil
		}
	}

	log.WithField("tables", len(tables)).Info("Starting restore")
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			m.tableFailed(result, table, err.Error())
			continue
		}

		n, err := m.restoreTable(ctx, record, table, opts.ClearExisting)
		if err != nil {
			log.WithError(err).WithField("table", table).Error("Table restore failed")
			m.tableFailed(result, table, err.Error())
			continue
		}

		result.TablesRestored[table] = types.TableRestoreInfo{
			Records:   n,
			Status:    types.TableCompleted,
			Timestamp: m.now(),
		}
		metrics.RestoredRecords.WithLabelValues(table).Add(float64(n))
		log.WithField("table", table).Infof("Restored %s records", humanize.Comma(n))
	}

	result.Status = deriveStatus(result)
	result.EndTime = m.now()
	metrics.RestoreCount.WithLabelValues(string(result.Status)).Inc()
	metrics.RestoreDuration.Observe(result.EndTime.Sub(result.StartTime).Seconds())

	log.WithFields(logrus.Fields{
		"status": result.Status,
		"errors": len(result.Errors),
	}).Info("Restore finished")

	return result, sim, nil
}

// restoreTable optionally clears table, then inserts the payload in batches
func (m *Manager) restoreTable(ctx context.Context, record *types.BackupRecord, table string, clearExisting bool) (int64, error) {
	payload, err := m.source.ReadPayload(ctx, record.ID, table)
	if err != nil {
		if errors.Is(err, backupstore.ErrNotFound) {
			return 0, fmt.Errorf("no payload for table %s", table)
		}
		return 0, err
	}

	if clearExisting {
		if _, err := m.primary.Delete(ctx, table, nil); err != nil {
			return 0, fmt.Errorf("failed to clear existing rows: %w", err)
		}
	}

	var inserted int64
	for start := 0; start < len(payload.Rows); start += m.cfg.InsertBatchSize {
		end := start + m.cfg.InsertBatchSize
		if end > len(payload.Rows) {
			end = len(payload.Rows)
		}
		n, err := m.primary.Insert(ctx, table, payload.Rows[start:end])
		if err != nil {
			return inserted, fmt.Errorf("insert failed after %d records: %w", inserted, err)
		}
		inserted += n
	}
	return inserted, nil
}

// simulate describes the restore from metadata, checking only that each
// payload exists without reading it
func (m *Manager) simulate(ctx context.Context, record *types.BackupRecord, tables []string, opts Options) *types.RestoreSimulation {
	sim := &types.RestoreSimulation{
		BackupID:        record.ID,
		BackupTimestamp: record.Timestamp,
		Tables:          tables,
		Warnings:        []string{},
	}

	for _, table := range tables {
		info := record.Tables[table]
		sim.TotalRecords += info.Records
		switch {
		case info.Status != types.TableCompleted:
			sim.Warnings = append(sim.Warnings, fmt.Sprintf("table %s was not backed up successfully (status %s)", table, info.Status))
		case !m.source.HasPayload(ctx, record.ID, table):
			sim.Warnings = append(sim.Warnings, fmt.Sprintf("table %s has no payload in any storage backend", table))
		case info.Records == 0:
			sim.Warnings = append(sim.Warnings, fmt.Sprintf("table %s has no records", table))
		}
	}
	if opts.ClearExisting {
		sim.Warnings = append(sim.Warnings, fmt.Sprintf("existing rows in %d tables will be deleted", len(tables)))
	}

	seconds := float64(sim.TotalRecords) / float64(m.cfg.EstimateRecordsPerSecond)
	sim.EstimatedDuration = time.Duration(seconds * float64(time.Second))
	return sim
}

// requestedTables resolves the table list, rejecting names the backup does not contain
func requestedTables(record *types.BackupRecord, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return record.OrderedTables(), nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, t := range requested {
		if _, ok := record.Tables[t]; !ok {
			return nil, fmt.Errorf("table %s is not part of backup %s", t, record.ID)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Manager) tableFailed(result *types.RestoreResult, table, msg string) {
	now := m.now()
	result.TablesRestored[table] = types.TableRestoreInfo{
		Status:    types.TableFailed,
		Timestamp: now,
		Error:     msg,
	}
	result.Errors = append(result.Errors, types.RestoreError{Table: table, Error: msg, Timestamp: now})
}

// fail terminates result as failed with a single error
func (m *Manager) fail(result *types.RestoreResult, table, msg string) *types.RestoreResult {
	now := m.now()
	result.Status = types.RestoreFailed
	result.EndTime = now
	result.Errors = append(result.Errors, types.RestoreError{Table: table, Error: msg, Timestamp: now})
	metrics.RestoreCount.WithLabelValues(string(result.Status)).Inc()
	return result
}

// deriveStatus computes the terminal status: failed only when every table failed
func deriveStatus(r *types.RestoreResult) types.RestoreStatus {
	if len(r.TablesRestored) == 0 {
		return types.RestoreFailed
	}
	failed := 0
	for _, info := range r.TablesRestored {
		if info.Status == types.TableFailed {
			failed++
		}
	}
	switch {
	case failed == 0:
		return types.RestoreCompleted
	case failed == len(r.TablesRestored):
		return types.RestoreFailed
	default:
		return types.RestoreCompletedWithErrors
	}
}
