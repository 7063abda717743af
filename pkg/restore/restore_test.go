package restore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/RecoveryGuard/pkg/backupstore"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/primary"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
	"github.com/supporttools/RecoveryGuard/pkg/storage"
)

const backupID = "backup_1717200000000_deadbeef"

// fixture builds a backup with orgs (3 rows), profiles (0 rows) and a failed assets table
func fixture(t *testing.T) (*primary.Memory, *backupstore.Store, *storage.Memory) {
	t.Helper()
	ctx := context.Background()

	mem := storage.NewMemory("mem")
	bs := backupstore.New([]storage.Backend{mem}, backupstore.Options{}, logging.Discard())

	orgs := []types.Row{{"id": 1}, {"id": 2}, {"id": 3}}
	require.NoError(t, bs.Write(ctx, backupID, "orgs", &types.BackupPayload{
		BackupID: backupID, TableName: "orgs", Rows: orgs, RecordCount: 3,
	}))
	require.NoError(t, bs.Write(ctx, backupID, "profiles", &types.BackupPayload{
		BackupID: backupID, TableName: "profiles",
	}))

	ts := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	require.NoError(t, bs.WriteMetadata(ctx, &types.BackupRecord{
		ID:        backupID,
		Timestamp: ts,
		Type:      types.BackupScheduled,
		Status:    types.BackupCompletedWithErrors,
		Tables: map[string]types.TableBackupInfo{
			"orgs":     {Records: 3, Status: types.TableCompleted, Timestamp: ts},
			"profiles": {Records: 0, Status: types.TableCompleted, Timestamp: ts},
			"assets":   {Status: types.TableFailed, Timestamp: ts, Error: "timeout"},
		},
		TableOrder: []string{"orgs", "profiles", "assets"},
		Metadata:   types.BackupMetadata{Retention: types.RetentionTimeBoxed},
	}))

	db := primary.NewMemory()
	db.SetTable("orgs", []types.Row{{"id": 99}})
	db.SetTable("profiles", nil)
	db.SetTable("assets", nil)
	return db, bs, mem
}

func TestRestoreUnknownBackup(t *testing.T) {
	db, bs, mem := fixture(t)
	m := NewManager(db, bs, Config{}, logging.Discard())
	before := mem.Len()

	res, sim, err := m.Restore(context.Background(), "backup_0_nope", Options{})
	require.NoError(t, err)
	assert.Nil(t, sim)
	assert.Equal(t, types.RestoreFailed, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "backup backup_0_nope not found", res.Errors[0].Error)
	assert.Equal(t, before, mem.Len())
	assert.Equal(t, []types.Row{{"id": 99}}, db.Rows("orgs"))
}

func TestRestoreDryRun(t *testing.T) {
	db, bs, _ := fixture(t)
	m := NewManager(db, bs, Config{EstimateRecordsPerSecond: 1}, logging.Discard())

	res, sim, err := m.Restore(context.Background(), backupID, Options{DryRun: true})
	require.NoError(t, err)
	assert.Nil(t, res)
	require.NotNil(t, sim)

	assert.Equal(t, []string{"orgs", "profiles", "assets"}, sim.Tables)
	assert.Equal(t, int64(3), sim.TotalRecords)
	assert.Equal(t, 3*time.Second, sim.EstimatedDuration)
	assert.Len(t, sim.Warnings, 2)
	assert.Contains(t, sim.Warnings[0], "profiles has no records")
	assert.Contains(t, sim.Warnings[1], "assets was not backed up successfully")

	assert.Equal(t, []types.Row{{"id": 99}}, db.Rows("orgs"), "dry run has no side effects")
}

func TestRestoreDryRunWarnsOnMissingPayload(t *testing.T) {
	ctx := context.Background()
	db, bs, mem := fixture(t)
	require.NoError(t, mem.Delete(ctx, backupstore.DataKey(backupID, "orgs")))
	m := NewManager(db, bs, Config{}, logging.Discard())

	_, sim, err := m.Restore(ctx, backupID, Options{DryRun: true})
	require.NoError(t, err)
	require.Len(t, sim.Warnings, 3)
	assert.Equal(t, "table orgs has no payload in any storage backend", sim.Warnings[0])
	assert.Equal(t, int64(3), sim.TotalRecords, "totals still come from the metadata")

	res, _, err := m.Restore(ctx, backupID, Options{Tables: []string{"orgs"}})
	require.NoError(t, err)
	assert.Equal(t, types.RestoreFailed, res.Status)
	assert.Contains(t, res.TablesRestored["orgs"].Error, "no payload for table orgs")
}

func TestRestoreConfirmation(t *testing.T) {
	tests := []struct {
		name    string
		confirm ConfirmFunc
	}{
		{name: "nil callback", confirm: nil},
		{name: "declined", confirm: func(context.Context, *types.RestoreSimulation) bool { return false }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, bs, _ := fixture(t)
			m := NewManager(db, bs, Config{}, logging.Discard())

			res, sim, err := m.Restore(context.Background(), backupID, Options{
				ConfirmOverwrite: true,
				Confirm:          tt.confirm,
				ClearExisting:    true,
			})
			require.NoError(t, err)
			assert.Equal(t, types.RestoreCancelled, res.Status)
			assert.Empty(t, res.TablesRestored)
			require.NotNil(t, sim)
			assert.Equal(t, []types.Row{{"id": 99}}, db.Rows("orgs"))
		})
	}
}

func TestRestoreConfirmedWithClear(t *testing.T) {
	db, bs, _ := fixture(t)
	m := NewManager(db, bs, Config{InsertBatchSize: 2}, logging.Discard())

	var seen *types.RestoreSimulation
	res, _, err := m.Restore(context.Background(), backupID, Options{
		ConfirmOverwrite: true,
		Confirm: func(_ context.Context, sim *types.RestoreSimulation) bool {
			seen = sim
			return true
		},
		ClearExisting: true,
	})
	require.NoError(t, err)
	require.NotNil(t, seen)

	assert.Equal(t, types.RestoreCompletedWithErrors, res.Status)
	assert.Equal(t, int64(3), res.TablesRestored["orgs"].Records)
	assert.Equal(t, types.TableCompleted, res.TablesRestored["profiles"].Status)
	assert.Equal(t, types.TableFailed, res.TablesRestored["assets"].Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "assets", res.Errors[0].Table)
	assert.Contains(t, res.Errors[0].Error, "no payload")

	assert.Len(t, db.Rows("orgs"), 3, "existing row cleared before insert")
	assert.False(t, res.EndTime.Before(res.StartTime))
}

func TestRestoreSelectedTablesWithoutClear(t *testing.T) {
	db, bs, _ := fixture(t)
	m := NewManager(db, bs, Config{}, logging.Discard())

	res, _, err := m.Restore(context.Background(), backupID, Options{Tables: []string{"orgs"}})
	require.NoError(t, err)
	assert.Equal(t, types.RestoreCompleted, res.Status)
	assert.Len(t, res.TablesRestored, 1)
	assert.Len(t, db.Rows("orgs"), 4)
}

func TestRestoreUnknownTableIsValidationFailure(t *testing.T) {
	db, bs, _ := fixture(t)
	m := NewManager(db, bs, Config{}, logging.Discard())

	res, _, err := m.Restore(context.Background(), backupID, Options{Tables: []string{"orgs", "ghosts"}})
	require.NoError(t, err)
	assert.Equal(t, types.RestoreFailed, res.Status)
	assert.Empty(t, res.TablesRestored)
	assert.Len(t, db.Rows("orgs"), 1)
}

func TestRestoreAllTablesFail(t *testing.T) {
	db, bs, _ := fixture(t)
	db.FailTable("orgs", errors.New("read only"))
	db.FailTable("profiles", errors.New("read only"))
	m := NewManager(db, bs, Config{}, logging.Discard())

	res, _, err := m.Restore(context.Background(), backupID, Options{ClearExisting: true})
	require.NoError(t, err)
	assert.Equal(t, types.RestoreFailed, res.Status)
	assert.Len(t, res.Errors, 3)
}

func TestRestoreCancelledContext(t *testing.T) {
	db, bs, _ := fixture(t)
	m := NewManager(db, bs, Config{}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	// Metadata is read before cancellation takes effect
	src := &cancelAfterMetadata{Store: bs, cancel: cancel}
	m.source = src

	res, _, err := m.Restore(ctx, backupID, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.RestoreFailed, res.Status)
	for table, info := range res.TablesRestored {
		assert.Equal(t, context.Canceled.Error(), info.Error, table)
	}
}

type cancelAfterMetadata struct {
	*backupstore.Store
	cancel context.CancelFunc
}

func (c *cancelAfterMetadata) ReadMetadata(ctx context.Context, id string) (*types.BackupRecord, error) {
	rec, err := c.Store.ReadMetadata(ctx, id)
	c.cancel()
	return rec, err
}

// slowPrimary blocks inserts until released
type slowPrimary struct {
	*primary.Memory
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowPrimary) Insert(ctx context.Context, table string, rows []types.Row) (int64, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return s.Memory.Insert(ctx, table, rows)
}

func TestRestoreGuard(t *testing.T) {
	db, bs, _ := fixture(t)
	slow := &slowPrimary{Memory: db, started: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(slow, bs, Config{}, logging.Discard())

	done := make(chan error, 1)
	go func() {
		_, _, err := m.Restore(context.Background(), backupID, Options{Tables: []string{"orgs"}})
		done <- err
	}()

	select {
	case <-slow.started:
	case <-time.After(5 * time.Second):
		t.Fatal("restore never started")
	}

	_, _, err := m.Restore(context.Background(), backupID, Options{})
	assert.ErrorIs(t, err, ErrRestoreInProgress)

	// Dry runs are read-only and may run alongside
	_, sim, err := m.Restore(context.Background(), backupID, Options{DryRun: true})
	require.NoError(t, err)
	assert.NotNil(t, sim)

	close(slow.release)
	require.NoError(t, <-done)
	assert.False(t, m.InProgress())
}

func TestRestoreBatching(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory("mem")
	bs := backupstore.New([]storage.Backend{mem}, backupstore.Options{}, logging.Discard())

	rows := make([]types.Row, 1234)
	for i := range rows {
		rows[i] = types.Row{"id": i}
	}
	require.NoError(t, bs.Write(ctx, "b", "big", &types.BackupPayload{Rows: rows, RecordCount: int64(len(rows))}))
	require.NoError(t, bs.WriteMetadata(ctx, &types.BackupRecord{
		ID:     "b",
		Status: types.BackupCompleted,
		Tables: map[string]types.TableBackupInfo{"big": {Records: 1234, Status: types.TableCompleted}},
	}))

	db := &countingPrimary{Memory: primary.NewMemory()}
	db.SetTable("big", nil)
	m := NewManager(db, bs, Config{}, logging.Discard())

	res, _, err := m.Restore(ctx, "b", Options{})
	require.NoError(t, err)
	assert.Equal(t, types.RestoreCompleted, res.Status)
	assert.Equal(t, int64(1234), res.TablesRestored["big"].Records)
	assert.Equal(t, []int{500, 500, 234}, db.batches)
}

type countingPrimary struct {
	*primary.Memory
	batches []int
}

func (c *countingPrimary) Insert(ctx context.Context, table string, rows []types.Row) (int64, error) {
	c.batches = append(c.batches, len(rows))
	return c.Memory.Insert(ctx, table, rows)
}

func TestDeriveStatus(t *testing.T) {
	mk := func(statuses ...types.TableStatus) *types.RestoreResult {
		r := &types.RestoreResult{TablesRestored: map[string]types.TableRestoreInfo{}}
		for i, s := range statuses {
			r.TablesRestored[fmt.Sprint(i)] = types.TableRestoreInfo{Status: s}
		}
		return r
	}
	assert.Equal(t, types.RestoreFailed, deriveStatus(mk()))
	assert.Equal(t, types.RestoreCompleted, deriveStatus(mk(types.TableCompleted)))
	assert.Equal(t, types.RestoreCompletedWithErrors, deriveStatus(mk(types.TableCompleted, types.TableFailed)))
	assert.Equal(t, types.RestoreFailed, deriveStatus(mk(types.TableFailed, types.TableFailed)))
}
