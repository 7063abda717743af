// Package health assesses the primary store, storage backends, backups and replication.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/metrics"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
	"github.com/supporttools/RecoveryGuard/pkg/storage"
)

// DefaultProbeTimeout bounds each storage and database probe
const DefaultProbeTimeout = 5 * time.Second

// Pinger checks that a table of the primary store can be read
type Pinger interface {
	Ping(ctx context.Context, table string) error
}

// BackupChecker reports backup freshness
type BackupChecker interface {
	CheckBackupStatus(ctx context.Context) (types.HealthLevel, []string)
}

// ReplicationReporter reports the state of the change watcher
type ReplicationReporter interface {
	Status() types.HealthLevel
}

// Config configures a Monitor
type Config struct {
	// ProbeTable is read with a one-row query to check the primary store
	ProbeTable   string
	ProbeTimeout time.Duration
}

// Monitor produces HealthStatus snapshots
type Monitor struct {
	db          Pinger
	backends    []storage.Backend
	backups     BackupChecker
	replication ReplicationReporter
	cfg         Config
	logger      *logrus.Logger
	now         func() time.Time

	mu   sync.RWMutex
	last *types.HealthStatus
}

// NewMonitor creates a health monitor. backups and replication may be nil,
// in which case those components report unknown.
func NewMonitor(cfg Config, db Pinger, backends []storage.Backend, backups BackupChecker, replication ReplicationReporter, logger *logrus.Logger) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	return &Monitor{
		db:          db,
		backends:    backends,
		backups:     backups,
		replication: replication,
		cfg:         cfg,
		logger:      logging.OrDefault(logger),
		now:         time.Now,
	}
}

// Last returns the most recent status, if a check has run
func (m *Monitor) Last() (types.HealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return types.HealthStatus{}, false
	}
	return *m.last, true
}

// CheckHealth probes every component concurrently and never returns an error;
// failures are reported through the levels of the returned status.
func (m *Monitor) CheckHealth(ctx context.Context) types.HealthStatus {
	status := types.HealthStatus{
		Timestamp:   m.now(),
		Database:    types.HealthUnknown,
		Storage:     types.HealthUnknown,
		Backups:     types.HealthUnknown,
		Replication: types.HealthUnknown,
		Overall:     types.HealthUnknown,
	}

	var (
		mu       sync.Mutex
		panicked []string
		issues   []string
	)
	guard := func(name string, fn func()) func() error {
		return func() error {
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					panicked = append(panicked, fmt.Sprintf("%s check panicked: %v", name, r))
					mu.Unlock()
				}
			}()
			fn()
			return nil
		}
	}

	var g errgroup.Group
	g.Go(guard("database", func() { status.Database = m.checkDatabase(ctx) }))
	g.Go(guard("storage", func() { status.Storage = m.checkStorage(ctx) }))
	g.Go(guard("backups", func() {
		if m.backups == nil {
			return
		}
		level, found := m.backups.CheckBackupStatus(ctx)
		status.Backups = level
		mu.Lock()
		issues = append(issues, found...)
		mu.Unlock()
	}))
	g.Go(guard("replication", func() {
		if m.replication != nil {
			status.Replication = m.replication.Status()
		}
	}))
	_ = g.Wait()

	status.Issues = append(issues, panicked...)
	switch {
	case len(panicked) > 0:
		status.Overall = types.HealthError
	case status.Database == types.HealthHealthy && status.Storage == types.HealthHealthy:
		status.Overall = types.HealthHealthy
	default:
		status.Overall = types.HealthWarning
	}

	m.publish(status)
	return status
}

func (m *Monitor) checkDatabase(ctx context.Context) types.HealthLevel {
	if m.db == nil {
		return types.HealthError
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	if err := m.db.Ping(pctx, m.cfg.ProbeTable); err != nil {
		m.logger.WithError(err).WithField("table", m.cfg.ProbeTable).Warn("Primary store probe failed")
		return types.HealthError
	}
	return types.HealthHealthy
}

// checkStorage probes backends in parallel: all ok is healthy, none ok is error
func (m *Monitor) checkStorage(ctx context.Context) types.HealthLevel {
	if len(m.backends) == 0 {
		return types.HealthError
	}

	results := make([]error, len(m.backends))
	var g errgroup.Group
	for i, b := range m.backends {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			defer cancel()
			results[i] = b.Probe(pctx)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, err := range results {
		if err != nil {
			failed++
			m.logger.WithError(err).WithField("backend", m.backends[i].Name()).Warn("Storage probe failed")
		}
	}
	switch {
	case failed == 0:
		return types.HealthHealthy
	case failed == len(results):
		return types.HealthError
	default:
		return types.HealthWarning
	}
}

func (m *Monitor) publish(status types.HealthStatus) {
	metrics.SetHealth("database", string(status.Database))
	metrics.SetHealth("storage", string(status.Storage))
	metrics.SetHealth("backups", string(status.Backups))
	metrics.SetHealth("replication", string(status.Replication))
	metrics.SetHealth("overall", string(status.Overall))
	metrics.HealthCheckTimestamp.Set(float64(status.Timestamp.Unix()))

	m.mu.Lock()
	m.last = &status
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"database":    status.Database,
		"storage":     status.Storage,
		"backups":     status.Backups,
		"replication": status.Replication,
		"overall":     status.Overall,
	}).Debug("Health check complete")
}
