package adminserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/RecoveryGuard/pkg/backup"
	"github.com/supporttools/RecoveryGuard/pkg/config"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/primary"
	"github.com/supporttools/RecoveryGuard/pkg/recovery"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
	"github.com/supporttools/RecoveryGuard/pkg/storage"
)

func newTestServer(t *testing.T) (*Server, *recovery.Manager, *primary.Memory) {
	t.Helper()
	cfg := config.Default()
	cfg.Recovery.DataPriorities = config.DataPriorities{Critical: []string{"organizations"}}
	cfg.Primary.ProbeTable = "organizations"

	db := primary.NewMemory()
	db.SetTable("organizations", []types.Row{{"id": 1}, {"id": 2}})

	mgr := recovery.New(cfg, db, []storage.Backend{storage.NewMemory("mem")}, logging.Discard())
	return NewServer("0", mgr, nil, logging.Discard()), mgr, db
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := do(t, s.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"healthy"`)
}

func TestMethodValidation(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/backups/run"},
		{http.MethodGet, "/api/backups/emergency"},
		{http.MethodGet, "/api/restore"},
		{http.MethodGet, "/api/retention/clear"},
		{http.MethodPost, "/api/recovery/status"},
		{http.MethodDelete, "/api/backups"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := do(t, h, tt.method, tt.path, nil)
			assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
		})
	}
}

func TestRunBackupValidation(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := do(t, s.Handler(), http.MethodPost, "/api/backups/run?type=hourly", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid backup type")
}

func TestRunBackupAndList(t *testing.T) {
	s, mgr, _ := newTestServer(t)
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/api/backups/run?type=manual", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		list, err := mgr.ListBackups(context.Background())
		return err == nil && len(list) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rr = do(t, h, http.MethodGet, "/api/backups", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Backups []*types.BackupRecord `json:"backups"`
		Count   int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	id := body.Backups[0].ID

	rr = do(t, h, http.MethodGet, "/api/backups?id="+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), id)

	rr = do(t, h, http.MethodGet, "/api/backups?type=scheduled", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"count":0`)

	rr = do(t, h, http.MethodGet, "/api/backups?id=backup_0_missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// blockingStore holds Select until released
type blockingStore struct {
	*primary.Memory
	release chan struct{}
}

func (b *blockingStore) Select(ctx context.Context, table string, q primary.Query) ([]types.Row, error) {
	<-b.release
	return b.Memory.Select(ctx, table, q)
}

func TestRunBackupConcurrentRequests(t *testing.T) {
	cfg := config.Default()
	cfg.Recovery.DataPriorities = config.DataPriorities{Critical: []string{"organizations"}}
	cfg.Primary.ProbeTable = "organizations"
	db := primary.NewMemory()
	db.SetTable("organizations", []types.Row{{"id": 1}})
	blocking := &blockingStore{Memory: db, release: make(chan struct{})}
	mgr := recovery.New(cfg, blocking, []storage.Backend{storage.NewMemory("mem")}, logging.Discard())
	h := NewServer("0", mgr, nil, logging.Discard()).Handler()

	targets := []string{"/api/backups/run?type=manual", "/api/backups/emergency"}
	codes := make([]int, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			codes[i] = do(t, h, http.MethodPost, target, nil).Code
		}(i, target)
	}
	wg.Wait()
	assert.ElementsMatch(t, []int{http.StatusAccepted, http.StatusConflict}, codes)

	// The slot stays taken until the accepted backup finishes
	rr := do(t, h, http.MethodPost, "/api/backups/run", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "backup already in progress")

	close(blocking.release)
	require.Eventually(t, func() bool {
		list, err := mgr.ListBackups(context.Background())
		return err == nil && len(list) == 1 && !mgr.BackupInProgress()
	}, 2*time.Second, 10*time.Millisecond)

	rr = do(t, h, http.MethodPost, "/api/backups/run", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	require.Eventually(t, func() bool {
		list, err := mgr.ListBackups(context.Background())
		return err == nil && len(list) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunBackupWithCleanup(t *testing.T) {
	s, mgr, _ := newTestServer(t)
	h := s.Handler()
	ctx := context.Background()

	old, err := mgr.CreateBackup(ctx, types.BackupManual)
	require.NoError(t, err)

	tests := []struct {
		name, query string
	}{
		{"bad duration", "cleanupOlderThan=soon"},
		{"bad time", "cleanupBefore=yesterday"},
		{"both bounds", "cleanupOlderThan=1h&cleanupBefore=2026-01-01T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/api/backups/run?"+tt.query, nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}

	// A cutoff in the future covers the new backup too, which must survive
	before := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rr := do(t, h, http.MethodPost, "/api/backups/run?cleanupBefore="+before, nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var list []*types.BackupRecord
	require.Eventually(t, func() bool {
		list, err = mgr.ListBackups(ctx)
		return err == nil && len(list) == 1 && list[0].ID != old.ID && !mgr.BackupInProgress()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.BackupCompleted, list[0].Status)
}

type stubSchedule struct {
	triggered chan struct{}
}

func (s *stubSchedule) NextRuns() map[string]time.Time {
	return map[string]time.Time{"scheduled_backup": time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)}
}

func (s *stubSchedule) BeginEmergencyBackup() (backup.Job, error) {
	return func(context.Context) (*types.BackupRecord, error) {
		close(s.triggered)
		return &types.BackupRecord{ID: "backup_1_00000000", Type: types.BackupEmergency}, nil
	}, nil
}

func TestEmergencyBackupUsesScheduler(t *testing.T) {
	s, _, _ := newTestServer(t)
	sched := &stubSchedule{triggered: make(chan struct{})}
	s.schedule = sched
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/api/backups/emergency", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	select {
	case <-sched.triggered:
	case <-time.After(2 * time.Second):
		t.Fatal("emergency backup was not triggered")
	}

	rr = do(t, h, http.MethodGet, "/api/schedule", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "2026-01-02T02:00:00Z")
}

func TestScheduleWithoutScheduler(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := do(t, s.Handler(), http.MethodGet, "/api/schedule", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRestoreEndpoint(t *testing.T) {
	s, mgr, db := newTestServer(t)
	h := s.Handler()
	ctx := context.Background()

	rec, err := mgr.CreateBackup(ctx, types.BackupManual)
	require.NoError(t, err)

	post := func(req RestoreRequest) (*httptest.ResponseRecorder, RestoreResponse) {
		body, err := json.Marshal(req)
		require.NoError(t, err)
		rr := do(t, h, http.MethodPost, "/api/restore", body)
		var resp RestoreResponse
		if rr.Code < 300 || rr.Code == http.StatusUnprocessableEntity {
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		}
		return rr, resp
	}

	t.Run("bad body", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/api/restore", []byte("{"))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("missing id", func(t *testing.T) {
		rr, _ := post(RestoreRequest{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown backup", func(t *testing.T) {
		rr, resp := post(RestoreRequest{BackupID: "backup_1_nothere"})
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		require.NotNil(t, resp.Result)
		assert.Equal(t, types.RestoreFailed, resp.Result.Status)
		assert.Contains(t, resp.Result.Errors[0].Error, "not found")
	})

	t.Run("dry run", func(t *testing.T) {
		rr, resp := post(RestoreRequest{BackupID: rec.ID, DryRun: true})
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Nil(t, resp.Result)
		require.NotNil(t, resp.Simulation)
		assert.Equal(t, int64(2), resp.Simulation.TotalRecords)
	})

	t.Run("unconfirmed", func(t *testing.T) {
		rr, resp := post(RestoreRequest{BackupID: rec.ID})
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, types.RestoreCancelled, resp.Result.Status)
		assert.Len(t, db.Rows("organizations"), 2, "nothing written")
	})

	t.Run("confirmed", func(t *testing.T) {
		rr, resp := post(RestoreRequest{BackupID: rec.ID, Confirm: true, ClearExisting: true})
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, types.RestoreCompleted, resp.Result.Status)
		assert.Len(t, db.Rows("organizations"), 2)
	})
}

func TestStatusAndHealth(t *testing.T) {
	s, _, db := newTestServer(t)
	h := s.Handler()

	rr := do(t, h, http.MethodGet, "/api/recovery/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var status recovery.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, types.HealthHealthy, status.HealthCheck.Overall)
	assert.Equal(t, types.HealthWarning, status.BackupStatus.Level)

	rr = do(t, h, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	db.FailTable("organizations", assert.AnError)
	rr = do(t, h, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code, "a degraded database is a warning, not an outage")
	assert.Contains(t, rr.Body.String(), `"database":"error"`)
}

func TestClearBackups(t *testing.T) {
	s, mgr, _ := newTestServer(t)
	h := s.Handler()
	ctx := context.Background()

	rec, err := mgr.CreateBackup(ctx, types.BackupManual)
	require.NoError(t, err)

	rr := do(t, h, http.MethodPost, "/api/retention/clear", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/retention/clear?olderThan=720h", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"clearedCount":0`)

	before := rec.Timestamp.Add(time.Second).Format(time.RFC3339)
	rr = do(t, h, http.MethodPost, "/api/retention/clear?before="+before, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), rec.ID)

	rr = do(t, h, http.MethodPost, "/api/retention/run", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := do(t, s.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
