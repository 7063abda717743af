// Package backup snapshots prioritized tables of the primary store.
package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/metrics"
	"github.com/supporttools/RecoveryGuard/pkg/primary"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
)

// ErrBackupInProgress is returned when a backup is requested while another runs
var ErrBackupInProgress = errors.New("backup already in progress")

// Store is where table payloads and backup records are written
type Store interface {
	Write(ctx context.Context, backupID, table string, payload *types.BackupPayload) error
	WriteMetadata(ctx context.Context, record *types.BackupRecord) error
}

// Tiers lists the tables to back up by priority
type Tiers struct {
	Critical  []string
	Important []string
	Standard  []string
	// IncludeStandard adds the standard tier after the important one
	IncludeStandard bool
}

// Ordered returns the tables in backup order, without duplicates
func (t Tiers) Ordered() []string {
	groups := [][]string{t.Critical, t.Important}
	if t.IncludeStandard {
		groups = append(groups, t.Standard)
	}

	seen := make(map[string]bool)
	var out []string
	for _, g := range groups {
		for _, name := range g {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Manager handles backup operations
type Manager struct {
	primary primary.Store
	store   Store
	tiers   Tiers
	logger  *logrus.Logger

	running atomic.Bool
	now     func() time.Time
}

// NewManager creates a new backup manager
func NewManager(db primary.Store, store Store, tiers Tiers, logger *logrus.Logger) *Manager {
	return &Manager{
		primary: db,
		store:   store,
		tiers:   tiers,
		logger:  logging.OrDefault(logger),
		now:     time.Now,
	}
}

// InProgress reports whether a backup is running
func (m *Manager) InProgress() bool {
	return m.running.Load()
}

// Tables returns the tables a backup would cover, in order
func (m *Manager) Tables() []string {
	return m.tiers.Ordered()
}

// NewBackupID returns a unique, time-ordered backup identifier
func NewBackupID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("backup_%d_%s", t.UnixMilli(), suffix)
}

// Job runs a backup whose slot is already reserved
type Job func(ctx context.Context) (*types.BackupRecord, error)

// BeginBackup validates the type and reserves the single backup slot before
// returning. The slot is released when the returned Job finishes, so a
// caller may answer the request first and run the Job in the background.
func (m *Manager) BeginBackup(backupType types.BackupType) (Job, error) {
	if _, err := types.ParseBackupType(string(backupType)); err != nil {
		return nil, err
	}
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrBackupInProgress
	}

	var once atomic.Bool
	return func(ctx context.Context) (*types.BackupRecord, error) {
		if !once.CompareAndSwap(false, true) {
			return nil, errors.New("backup job already ran")
		}
		defer m.running.Store(false)
		return m.run(ctx, backupType)
	}, nil
}

// CreateBackup snapshots every configured table. Per-table failures are
// recorded in the returned record and never abort the run. The error is
// non-nil only when the run could not start or its metadata could not be saved.
func (m *Manager) CreateBackup(ctx context.Context, backupType types.BackupType) (*types.BackupRecord, error) {
	job, err := m.BeginBackup(backupType)
	if err != nil {
		return nil, err
	}
	return job(ctx)
}

func (m *Manager) run(ctx context.Context, backupType types.BackupType) (*types.BackupRecord, error) {
	startTime := m.now()
	record := &types.BackupRecord{
		ID:        NewBackupID(startTime),
		Timestamp: startTime,
		Type:      backupType,
		Status:    types.BackupInProgress,
		Tables:    make(map[string]types.TableBackupInfo),
		Metadata:  types.BackupMetadata{Retention: backupType.Retention()},
	}
	log := m.logger.WithFields(logrus.Fields{"backup": record.ID, "type": backupType})

	tables := m.tiers.Ordered()
	log.WithField("tables", len(tables)).Info("Starting backup")

	for _, table := range tables {
		record.TableOrder = append(record.TableOrder, table)

		if err := ctx.Err(); err != nil {
			record.Tables[table] = types.TableBackupInfo{
				Status:    types.TableFailed,
				Timestamp: m.now(),
				Error:     err.Error(),
			}
			metrics.TableBackupCount.WithLabelValues(table, string(types.TableFailed)).Inc()
			continue
		}

		records, err := m.backupTable(ctx, record.ID, table)
		if err != nil {
			log.WithError(err).WithField("table", table).Error("Table backup failed")
			record.Tables[table] = types.TableBackupInfo{
				Status:    types.TableFailed,
				Timestamp: m.now(),
				Error:     err.Error(),
			}
			metrics.TableBackupCount.WithLabelValues(table, string(types.TableFailed)).Inc()
			continue
		}

		record.Tables[table] = types.TableBackupInfo{
			Records:   records,
			Status:    types.TableCompleted,
			Timestamp: m.now(),
		}
		metrics.TableBackupCount.WithLabelValues(table, string(types.TableCompleted)).Inc()
		metrics.TableBackupRecords.WithLabelValues(table).Set(float64(records))
		log.WithField("table", table).Infof("Backed up %s records", humanize.Comma(records))
	}

	record.Status = deriveStatus(record)

	// The record is saved even when the caller has gone away, so the attempt stays visible
	if err := m.store.WriteMetadata(context.WithoutCancel(ctx), record); err != nil {
		record.Status = types.BackupFailed
		metrics.BackupCount.WithLabelValues(string(backupType), string(record.Status)).Inc()
		log.WithError(err).Error("Failed to save backup metadata")
		return record, fmt.Errorf("failed to save metadata for backup %s: %w", record.ID, err)
	}

	duration := m.now().Sub(startTime)
	metrics.BackupDuration.WithLabelValues(string(backupType)).Observe(duration.Seconds())
	metrics.BackupCount.WithLabelValues(string(backupType), string(record.Status)).Inc()
	if len(record.FailedTables()) < len(record.Tables) {
		metrics.LastBackupTimestamp.WithLabelValues(string(backupType)).Set(float64(startTime.Unix()))
	}

	log.WithFields(logrus.Fields{
		"status":   record.Status,
		"records":  record.TotalRecords(),
		"failed":   len(record.FailedTables()),
		"duration": duration.Round(time.Millisecond).String(),
	}).Info("Backup finished")

	return record, nil
}

// backupTable reads a full table and writes its payload
func (m *Manager) backupTable(ctx context.Context, backupID, table string) (int64, error) {
	rows, err := m.primary.Select(ctx, table, primary.Query{})
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}

	payload := &types.BackupPayload{
		BackupID:    backupID,
		TableName:   table,
		Rows:        rows,
		RecordCount: int64(len(rows)),
		CreatedAt:   m.now(),
	}
	if err := m.store.Write(ctx, backupID, table, payload); err != nil {
		return 0, fmt.Errorf("write failed: %w", err)
	}
	return payload.RecordCount, nil
}

// deriveStatus computes the terminal status from per-table outcomes. A run
// that attempted tables is never failed, even when every table failed; the
// record keeps the per-table errors instead.
func deriveStatus(r *types.BackupRecord) types.BackupStatus {
	if len(r.Tables) == 0 {
		return types.BackupFailed
	}
	if len(r.FailedTables()) == 0 {
		return types.BackupCompleted
	}
	return types.BackupCompletedWithErrors
}
