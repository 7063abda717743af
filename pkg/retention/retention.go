// Package retention prunes old backups and reports on backup freshness.
package retention

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/RecoveryGuard/pkg/backupstore"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/metrics"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
)

// Store is the backup store view retention needs
type Store interface {
	MetadataEntries(ctx context.Context) ([]backupstore.MetadataEntry, error)
	List(ctx context.Context) ([]*types.BackupRecord, error)
	Delete(ctx context.Context, id string) error
}

// Config holds retention policy settings
type Config struct {
	// Period is how long time-boxed backups are kept
	Period time.Duration
	// MaxBackupAge is the freshness limit used by CheckBackupStatus
	MaxBackupAge time.Duration
}

// Manager applies retention to the backup store
type Manager struct {
	store  Store
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time
}

// NewManager creates a retention manager
func NewManager(store Store, cfg Config, logger *logrus.Logger) *Manager {
	if cfg.Period <= 0 {
		cfg.Period = 30 * 24 * time.Hour
	}
	if cfg.MaxBackupAge <= 0 {
		cfg.MaxBackupAge = 24 * time.Hour
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logging.OrDefault(logger),
		now:    time.Now,
	}
}

// TimestampFromID extracts the creation time embedded in a backup ID
func TimestampFromID(id string) (time.Time, bool) {
	parts := strings.Split(id, "_")
	if len(parts) < 2 || parts[0] != "backup" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// entryTime returns the creation time of an entry, preferring the record
func entryTime(e backupstore.MetadataEntry) (time.Time, bool) {
	if e.Record != nil && !e.Record.Timestamp.IsZero() {
		return e.Record.Timestamp, true
	}
	return TimestampFromID(e.ID)
}

// ClearOldBackups deletes every backup created strictly before cutoff,
// regardless of retention class, except the IDs listed in keep. It continues
// past individual failures.
func (m *Manager) ClearOldBackups(ctx context.Context, cutoff time.Time, keep ...string) (*types.CleanupResult, error) {
	return m.clear(ctx, cutoff, false, "manual", keep)
}

// EnforceRetention deletes time-boxed backups older than the retention period.
// Permanent backups, and entries whose retention class cannot be read, are kept.
func (m *Manager) EnforceRetention(ctx context.Context) (*types.CleanupResult, error) {
	cutoff := m.now().Add(-m.cfg.Period)
	return m.clear(ctx, cutoff, true, "scheduled", nil)
}

func (m *Manager) clear(ctx context.Context, cutoff time.Time, honorRetention bool, trigger string, keep []string) (*types.CleanupResult, error) {
	result := &types.CleanupResult{
		ClearedBackups: []string{},
		Errors:         []string{},
	}

	entries, err := m.store.MetadataEntries(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to scan backups: %w", err)
	}

	log := m.logger.WithFields(logrus.Fields{"cutoff": cutoff.Format(time.RFC3339), "trigger": trigger})
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err.Error())
			break
		}

		ts, ok := entryTime(e)
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("cannot determine age of %s", e.ID))
			continue
		}
		if !ts.Before(cutoff) || slices.Contains(keep, e.ID) {
			continue
		}

		if honorRetention {
			if e.Record == nil {
				log.WithField("backup", e.ID).Warn("Keeping backup with unreadable metadata")
				continue
			}
			if e.Record.Metadata.Retention == types.RetentionPermanent {
				continue
			}
		}

		if err := m.store.Delete(ctx, e.ID); err != nil {
			metrics.RetentionErrors.Inc()
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", e.ID, err))
			log.WithError(err).WithField("backup", e.ID).Error("Failed to delete backup")
			continue
		}

		result.ClearedCount++
		result.ClearedBackups = append(result.ClearedBackups, e.ID)
		metrics.RetentionDeletes.WithLabelValues(trigger).Inc()
		log.WithFields(logrus.Fields{
			"backup": e.ID,
			"age":    humanize.RelTime(ts, m.now(), "old", "from now"),
		}).Info("Removed backup")
	}

	log.WithFields(logrus.Fields{
		"cleared": result.ClearedCount,
		"errors":  len(result.Errors),
	}).Info("Retention pass finished")
	return result, nil
}

// CheckBackupStatus reports warning when no backup exists or the newest is stale
func (m *Manager) CheckBackupStatus(ctx context.Context) (types.HealthLevel, []string) {
	records, err := m.store.List(ctx)
	if err != nil {
		return types.HealthError, []string{fmt.Sprintf("Unable to list backups: %v", err)}
	}
	if len(records) == 0 {
		return types.HealthWarning, []string{"No backups found"}
	}

	latest := records[0]
	age := m.now().Sub(latest.Timestamp)
	if age > m.cfg.MaxBackupAge {
		return types.HealthWarning, []string{
			fmt.Sprintf("Latest backup %s is %s old", latest.ID, age.Round(time.Minute)),
		}
	}
	return types.HealthHealthy, nil
}

// ParseCutoff resolves exactly one of a relative age (a duration such as
// "720h") or an absolute RFC 3339 time into a cleanup cutoff.
func ParseCutoff(olderThan, before string, now time.Time) (time.Time, error) {
	switch {
	case olderThan != "" && before != "":
		return time.Time{}, errors.New("specify only one of olderThan and before")
	case olderThan != "":
		d, err := time.ParseDuration(olderThan)
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("invalid olderThan duration: %q", olderThan)
		}
		return now.Add(-d), nil
	case before != "":
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid before timestamp: %q", before)
		}
		return t, nil
	default:
		return time.Time{}, errors.New("missing required parameter: olderThan or before")
	}
}
