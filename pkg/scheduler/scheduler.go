// Package scheduler manages recurring health checks, backups and retention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/RecoveryGuard/pkg/backup"
	"github.com/supporttools/RecoveryGuard/pkg/config"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/metrics"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
)

// Job names used by NextRuns
const (
	JobHealthCheck     = "health_check"
	JobScheduledBackup = "scheduled_backup"
	JobRetention       = "retention"
)

// DefaultRetentionSpec runs retention at minute 15 of every hour
const DefaultRetentionSpec = "15 * * * *"

// ErrUnhealthy is returned when a scheduled backup is skipped because the
// primary store is not healthy
var ErrUnhealthy = errors.New("primary store is not healthy")

// BackupRunner creates backups
type BackupRunner interface {
	CreateBackup(ctx context.Context, backupType types.BackupType) (*types.BackupRecord, error)
	BeginBackup(backupType types.BackupType) (backup.Job, error)
}

// HealthChecker produces health snapshots
type HealthChecker interface {
	CheckHealth(ctx context.Context) types.HealthStatus
}

// RetentionEnforcer prunes expired backups
type RetentionEnforcer interface {
	EnforceRetention(ctx context.Context) (*types.CleanupResult, error)
}

// Config holds the schedule
type Config struct {
	HealthCheckInterval time.Duration
	// BackupHour and BackupMinute give the daily backup time
	BackupHour    int
	BackupMinute  int
	RetentionSpec string
	Location      *time.Location
}

// ConfigFromApp builds a schedule from application configuration
func ConfigFromApp(app *config.AppConfig) (Config, error) {
	h, m, err := app.BackupTime()
	if err != nil {
		return Config{}, err
	}
	return Config{
		HealthCheckInterval: app.HealthCheckInterval(),
		BackupHour:          h,
		BackupMinute:        m,
		RetentionSpec:       app.Schedule.RetentionSchedule,
		Location:            time.Local,
	}, nil
}

// DailyAt is a cron.Schedule firing once a day at a fixed local time.
// Each activation is computed from the current time, so a late or missed
// run never shifts later ones.
type DailyAt struct {
	Hour, Minute int
}

// Next returns the next activation strictly after t
func (d DailyAt) Next(t time.Time) time.Time {
	next := time.Date(t.Year(), t.Month(), t.Day(), d.Hour, d.Minute, 0, 0, t.Location())
	if !next.After(t) {
		next = time.Date(t.Year(), t.Month(), t.Day()+1, d.Hour, d.Minute, 0, 0, t.Location())
	}
	return next
}

// Scheduler handles cron scheduling for health checks, backups and retention
type Scheduler struct {
	cron      *cron.Cron
	backups   BackupRunner
	health    HealthChecker
	retention RetentionEnforcer
	cfg       Config
	logger    *logrus.Logger

	mu     sync.Mutex
	jobIDs map[string]cron.EntryID
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new scheduler. retention may be nil.
func NewScheduler(cfg Config, backups BackupRunner, health HealthChecker, retention RetentionEnforcer, logger *logrus.Logger) *Scheduler {
	logger = logging.OrDefault(logger)
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.RetentionSpec == "" {
		cfg.RetentionSpec = DefaultRetentionSpec
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Minute
	}

	cronLogger := cron.PrintfLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		backups:   backups,
		health:    health,
		retention: retention,
		cfg:       cfg,
		logger:    logger,
		jobIDs:    make(map[string]cron.EntryID),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetupJobs registers every scheduled job
func (s *Scheduler) SetupJobs() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.health != nil {
		s.jobIDs[JobHealthCheck] = s.cron.Schedule(cron.Every(s.cfg.HealthCheckInterval), cron.FuncJob(func() {
			s.RunHealthCheck(s.ctx)
		}))
		s.logger.Infof("Scheduled health check every %s", s.cfg.HealthCheckInterval)
	}

	daily := DailyAt{Hour: s.cfg.BackupHour, Minute: s.cfg.BackupMinute}
	s.jobIDs[JobScheduledBackup] = s.cron.Schedule(daily, cron.FuncJob(func() {
		_, _ = s.RunScheduledBackup(s.ctx)
	}))
	s.logger.Infof("Scheduled daily backup at %02d:%02d", daily.Hour, daily.Minute)

	if s.retention != nil {
		id, err := s.cron.AddFunc(s.cfg.RetentionSpec, func() {
			s.RunRetention(s.ctx)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule retention enforcement: %w", err)
		}
		s.jobIDs[JobRetention] = id
		s.logger.Infof("Scheduled retention enforcement with cron expression: %s", s.cfg.RetentionSpec)
	}
	return nil
}

// Start begins the scheduled jobs
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Recovery scheduler started")
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Recovery scheduler stopped")
}

// RunHealthCheck runs one health check
func (s *Scheduler) RunHealthCheck(ctx context.Context) types.HealthStatus {
	status := s.health.CheckHealth(ctx)
	if status.Overall != types.HealthHealthy {
		s.logger.WithFields(logrus.Fields{
			"database": status.Database,
			"storage":  status.Storage,
			"backups":  status.Backups,
		}).Warn("Recovery subsystem is degraded")
	}
	return status
}

// RunScheduledBackup runs the daily backup if the primary store is healthy
func (s *Scheduler) RunScheduledBackup(ctx context.Context) (*types.BackupRecord, error) {
	if s.health != nil {
		status := s.health.CheckHealth(ctx)
		if status.Database != types.HealthHealthy {
			metrics.ScheduledRunsSkipped.WithLabelValues("database_unhealthy").Inc()
			s.logger.WithField("database", status.Database).Warn("Skipping scheduled backup")
			return nil, ErrUnhealthy
		}
	}

	record, err := s.backups.CreateBackup(ctx, types.BackupScheduled)
	if errors.Is(err, backup.ErrBackupInProgress) {
		metrics.ScheduledRunsSkipped.WithLabelValues("in_progress").Inc()
		s.logger.Warn("Skipping scheduled backup, another backup is running")
		return nil, err
	}
	if err != nil {
		s.logger.WithError(err).Error("Scheduled backup failed")
	}
	return record, err
}

// RunRetention enforces the retention policy once
func (s *Scheduler) RunRetention(ctx context.Context) {
	if s.retention == nil {
		return
	}
	if _, err := s.retention.EnforceRetention(ctx); err != nil {
		s.logger.WithError(err).Error("Retention enforcement failed")
	}
}

// BeginEmergencyBackup reserves the backup slot for an emergency backup and
// returns the job that runs it
func (s *Scheduler) BeginEmergencyBackup() (backup.Job, error) {
	job, err := s.backups.BeginBackup(types.BackupEmergency)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("Emergency backup triggered")
	return job, nil
}

// TriggerEmergencyBackup runs an emergency backup immediately
func (s *Scheduler) TriggerEmergencyBackup(ctx context.Context) (*types.BackupRecord, error) {
	job, err := s.BeginEmergencyBackup()
	if err != nil {
		return nil, err
	}
	return job(ctx)
}

// NextRuns returns the next fire time of every registered job
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().In(s.cfg.Location)
	out := make(map[string]time.Time, len(s.jobIDs))
	for name, id := range s.jobIDs {
		entry := s.cron.Entry(id)
		if !entry.Valid() {
			continue
		}
		next := entry.Next
		if next.IsZero() {
			next = entry.Schedule.Next(now)
		}
		out[name] = next
	}
	return out
}
