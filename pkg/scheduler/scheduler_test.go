package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/RecoveryGuard/pkg/backup"
	"github.com/supporttools/RecoveryGuard/pkg/backupstore"
	"github.com/supporttools/RecoveryGuard/pkg/config"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/primary"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
	"github.com/supporttools/RecoveryGuard/pkg/storage"
)

type fakeBackups struct {
	mu    sync.Mutex
	calls []types.BackupType
	err   error
}

func (f *fakeBackups) CreateBackup(_ context.Context, bt types.BackupType) (*types.BackupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, bt)
	if f.err != nil {
		return nil, f.err
	}
	return &types.BackupRecord{ID: "backup_1_abcdef01", Type: bt, Status: types.BackupCompleted}, nil
}

func (f *fakeBackups) BeginBackup(bt types.BackupType) (backup.Job, error) {
	return func(ctx context.Context) (*types.BackupRecord, error) {
		return f.CreateBackup(ctx, bt)
	}, nil
}

type fakeHealth struct {
	database types.HealthLevel
	calls    atomic.Int32
}

func (f *fakeHealth) CheckHealth(context.Context) types.HealthStatus {
	f.calls.Add(1)
	return types.HealthStatus{Database: f.database, Storage: types.HealthHealthy, Overall: f.database}
}

type fakeRetention struct{ calls atomic.Int32 }

func (f *fakeRetention) EnforceRetention(context.Context) (*types.CleanupResult, error) {
	f.calls.Add(1)
	return &types.CleanupResult{}, nil
}

func TestDailyAtNext(t *testing.T) {
	loc := time.UTC
	d := DailyAt{Hour: 2, Minute: 0}
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before today's run", time.Date(2026, 1, 5, 1, 30, 0, 0, loc), time.Date(2026, 1, 5, 2, 0, 0, 0, loc)},
		{"exactly at run time", time.Date(2026, 1, 5, 2, 0, 0, 0, loc), time.Date(2026, 1, 6, 2, 0, 0, 0, loc)},
		{"after today's run", time.Date(2026, 1, 5, 14, 0, 0, 0, loc), time.Date(2026, 1, 6, 2, 0, 0, 0, loc)},
		{"month rollover", time.Date(2026, 1, 31, 23, 0, 0, 0, loc), time.Date(2026, 2, 1, 2, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Next(tt.now))
		})
	}
}

func TestScheduledBackupSkippedWhenDatabaseUnhealthy(t *testing.T) {
	backups := &fakeBackups{}
	health := &fakeHealth{database: types.HealthError}
	s := NewScheduler(Config{}, backups, health, nil, logging.Discard())

	rec, err := s.RunScheduledBackup(context.Background())
	assert.ErrorIs(t, err, ErrUnhealthy)
	assert.Nil(t, rec)
	assert.Empty(t, backups.calls)
}

func TestScheduledBackupRuns(t *testing.T) {
	backups := &fakeBackups{}
	s := NewScheduler(Config{}, backups, &fakeHealth{database: types.HealthHealthy}, nil, logging.Discard())

	rec, err := s.RunScheduledBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.BackupScheduled, rec.Type)
	assert.Equal(t, []types.BackupType{types.BackupScheduled}, backups.calls)
}

func TestScheduledBackupInProgress(t *testing.T) {
	backups := &fakeBackups{err: backup.ErrBackupInProgress}
	s := NewScheduler(Config{}, backups, &fakeHealth{database: types.HealthHealthy}, nil, logging.Discard())

	_, err := s.RunScheduledBackup(context.Background())
	assert.ErrorIs(t, err, backup.ErrBackupInProgress)
}

func TestTriggerEmergencyBackup(t *testing.T) {
	backups := &fakeBackups{}
	health := &fakeHealth{database: types.HealthError}
	s := NewScheduler(Config{}, backups, health, nil, logging.Discard())

	rec, err := s.TriggerEmergencyBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.BackupEmergency, rec.Type)
	assert.Zero(t, health.calls.Load(), "emergency backups do not consult health")
}

func TestBeginEmergencyBackupHoldsSlot(t *testing.T) {
	db := primary.NewMemory()
	db.SetTable("organizations", []types.Row{{"id": 1}})
	bs := backupstore.New([]storage.Backend{storage.NewMemory("mem")}, backupstore.Options{}, logging.Discard())
	bm := backup.NewManager(db, bs, backup.Tiers{Critical: []string{"organizations"}}, logging.Discard())
	s := NewScheduler(Config{}, bm, &fakeHealth{database: types.HealthHealthy}, nil, logging.Discard())

	job, err := s.BeginEmergencyBackup()
	require.NoError(t, err)

	_, err = s.RunScheduledBackup(context.Background())
	assert.ErrorIs(t, err, backup.ErrBackupInProgress, "the scheduled run is skipped while the emergency job is pending")

	rec, err := job(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.BackupEmergency, rec.Type)
	assert.Equal(t, types.BackupCompleted, rec.Status)
}

func TestSetupJobsAndNextRuns(t *testing.T) {
	s := NewScheduler(Config{HealthCheckInterval: time.Hour, BackupHour: 2, Location: time.UTC},
		&fakeBackups{}, &fakeHealth{}, &fakeRetention{}, logging.Discard())
	require.NoError(t, s.SetupJobs())

	runs := s.NextRuns()
	require.Len(t, runs, 3)

	backupAt := runs[JobScheduledBackup].UTC()
	assert.Equal(t, 2, backupAt.Hour())
	assert.Equal(t, 0, backupAt.Minute())
	assert.True(t, backupAt.After(time.Now()))
	assert.LessOrEqual(t, time.Until(backupAt), 24*time.Hour)

	assert.Equal(t, 15, runs[JobRetention].Minute())
	assert.WithinDuration(t, time.Now().Add(time.Hour), runs[JobHealthCheck], 5*time.Second)
}

func TestSetupJobsBadRetentionSpec(t *testing.T) {
	s := NewScheduler(Config{RetentionSpec: "not a cron"}, &fakeBackups{}, nil, &fakeRetention{}, logging.Discard())
	assert.Error(t, s.SetupJobs())
}

func TestHealthJobFires(t *testing.T) {
	health := &fakeHealth{database: types.HealthHealthy}
	s := NewScheduler(Config{HealthCheckInterval: time.Second}, &fakeBackups{}, health, nil, logging.Discard())
	require.NoError(t, s.SetupJobs())

	s.Start()
	defer s.Stop()
	assert.Eventually(t, func() bool { return health.calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestConfigFromApp(t *testing.T) {
	app := config.Default()
	app.Schedule.BackupTimeOfDay = "03:45"

	cfg, err := ConfigFromApp(app)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.BackupHour)
	assert.Equal(t, 45, cfg.BackupMinute)
	assert.Equal(t, 30*time.Minute, cfg.HealthCheckInterval)
	assert.Equal(t, DefaultRetentionSpec, cfg.RetentionSpec)

	app.Schedule.BackupTimeOfDay = "25:00"
	_, err = ConfigFromApp(app)
	assert.Error(t, err)
}
