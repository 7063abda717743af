// Package adminserver provides an HTTP server for administering RecoveryGuard.
package adminserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/RecoveryGuard/pkg/backup"
	"github.com/supporttools/RecoveryGuard/pkg/backupstore"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/recovery"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
	"github.com/supporttools/RecoveryGuard/pkg/restore"
	"github.com/supporttools/RecoveryGuard/pkg/retention"
	"github.com/supporttools/RecoveryGuard/pkg/version"
)

// Recovery is the service the admin server drives
type Recovery interface {
	GetRecoveryStatus(ctx context.Context) (*recovery.Status, error)
	BeginBackup(backupType types.BackupType) (backup.Job, error)
	BeginBackupWithCleanup(backupType types.BackupType, cutoff time.Time) (recovery.CleanupJob, error)
	Restore(ctx context.Context, id string, opts restore.Options) (*types.RestoreResult, *types.RestoreSimulation, error)
	ClearOldBackups(ctx context.Context, cutoff time.Time) (*types.CleanupResult, error)
	EnforceRetention(ctx context.Context) (*types.CleanupResult, error)
	CheckHealth(ctx context.Context) types.HealthStatus
	ListBackups(ctx context.Context) ([]*types.BackupRecord, error)
	GetBackup(ctx context.Context, id string) (*types.BackupRecord, error)
}

// Schedule exposes the scheduler to the admin surface
type Schedule interface {
	NextRuns() map[string]time.Time
	BeginEmergencyBackup() (backup.Job, error)
}

// RestoreRequest is the body of POST /api/restore
type RestoreRequest struct {
	BackupID      string   `json:"backupId"`
	DryRun        bool     `json:"dryRun"`
	ClearExisting bool     `json:"clearExisting"`
	Tables        []string `json:"tables,omitempty"`
	// Confirm approves overwriting existing data. Without it a non-dry-run
	// restore stops at the confirmation gate and reports cancelled.
	Confirm bool `json:"confirm"`
}

// RestoreResponse is returned by POST /api/restore
type RestoreResponse struct {
	Result     *types.RestoreResult     `json:"result,omitempty"`
	Simulation *types.RestoreSimulation `json:"simulation,omitempty"`
}

// Server represents the admin HTTP server
type Server struct {
	httpServer *http.Server
	recovery   Recovery
	schedule   Schedule
	port       string
	logger     *logrus.Logger

	// background is the parent context of backups started by a request
	background context.Context
}

// NewServer creates a new admin server instance. schedule may be nil.
func NewServer(port string, rec Recovery, schedule Schedule, logger *logrus.Logger) *Server {
	return &Server{
		recovery:   rec,
		schedule:   schedule,
		port:       port,
		logger:     logging.OrDefault(logger),
		background: context.Background(),
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.logRequestMiddleware(mux)
}

// Start starts the admin HTTP server in the background
func (s *Server) Start() *http.Server {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		s.logger.Infof("Admin server running on port %s", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	return s.httpServer
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/version", s.versionHandler)

	mux.HandleFunc("/api/recovery/status", s.statusHandler)
	mux.HandleFunc("/api/health", s.healthHandler)
	mux.HandleFunc("/api/schedule", s.scheduleHandler)

	mux.HandleFunc("/api/backups", s.listBackupsHandler)
	mux.HandleFunc("/api/backups/run", s.runBackupHandler)
	mux.HandleFunc("/api/backups/emergency", s.emergencyBackupHandler)

	mux.HandleFunc("/api/restore", s.restoreHandler)

	mux.HandleFunc("/api/retention/clear", s.clearBackupsHandler)
	mux.HandleFunc("/api/retention/run", s.runRetentionHandler)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Error encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// healthzHandler is the liveness probe
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, version.Get())
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	status, err := s.recovery.GetRecoveryStatus(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to build recovery status")
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// healthHandler runs a fresh health check. The response code reflects the
// overall level so it can back a readiness probe.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	status := s.recovery.CheckHealth(r.Context())
	code := http.StatusOK
	if status.Overall == types.HealthError {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.schedule == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"nextRuns": s.schedule.NextRuns()})
}

// listBackupsHandler lists backups, or returns one when ?id= is given
func (s *Server) listBackupsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		record, err := s.recovery.GetBackup(r.Context(), id)
		if errors.Is(err, backupstore.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("backup %s not found", id))
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, record)
		return
	}

	backups, err := s.recovery.ListBackups(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to list backups")
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if typ := r.URL.Query().Get("type"); typ != "" {
		filtered := backups[:0]
		for _, b := range backups {
			if string(b.Type) == typ {
				filtered = append(filtered, b)
			}
		}
		backups = filtered
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"backups": backups,
		"count":   len(backups),
	})
}

// runBackupHandler starts a backup in the background. With
// ?cleanupOlderThan=<duration> or ?cleanupBefore=<RFC3339> the backup is
// followed by a cleanup that never removes the new backup.
func (s *Server) runBackupHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	q := r.URL.Query()
	typ := q.Get("type")
	if typ == "" {
		typ = string(types.BackupManual)
	}
	backupType, err := types.ParseBackupType(typ)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	olderThan, before := q.Get("cleanupOlderThan"), q.Get("cleanupBefore")
	if olderThan == "" && before == "" {
		s.startBackup(w, backupType, func() (backup.Job, error) {
			return s.recovery.BeginBackup(backupType)
		})
		return
	}

	cutoff, err := retention.ParseCutoff(olderThan, before, time.Now())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.startBackup(w, backupType, func() (backup.Job, error) {
		job, err := s.recovery.BeginBackupWithCleanup(backupType, cutoff)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (*types.BackupRecord, error) {
			out, err := job(ctx)
			if out == nil {
				return nil, err
			}
			if out.Cleanup != nil {
				s.logger.WithFields(logrus.Fields{
					"cleared": out.Cleanup.ClearedCount,
					"errors":  len(out.Cleanup.Errors),
				}).Info("Cleanup after backup finished")
			}
			return out.Backup, err
		}, nil
	})
}

// emergencyBackupHandler starts an emergency backup through the scheduler
func (s *Server) emergencyBackupHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	begin := func() (backup.Job, error) {
		return s.recovery.BeginBackup(types.BackupEmergency)
	}
	if s.schedule != nil {
		begin = s.schedule.BeginEmergencyBackup
	}
	s.startBackup(w, types.BackupEmergency, begin)
}

// startBackup reserves the backup slot before answering, so a concurrent
// request sees the conflict, then runs the job in the background
func (s *Server) startBackup(w http.ResponseWriter, backupType types.BackupType, begin func() (backup.Job, error)) {
	job, err := begin()
	if errors.Is(err, backup.ErrBackupInProgress) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go func() {
		record, err := job(s.background)
		if err != nil {
			s.logger.WithError(err).WithField("type", backupType).Error("Backup request failed")
			return
		}
		s.logger.WithFields(logrus.Fields{
			"backup": record.ID,
			"status": record.Status,
		}).Info("Backup request finished")
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": fmt.Sprintf("Backup of type %s initiated", backupType),
	})
}

func (s *Server) restoreHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req RestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.BackupID = strings.TrimSpace(req.BackupID)
	if req.BackupID == "" {
		s.writeError(w, http.StatusBadRequest, "missing required field: backupId")
		return
	}

	confirmed := req.Confirm
	opts := restore.Options{
		DryRun:           req.DryRun,
		ConfirmOverwrite: true,
		Confirm: func(context.Context, *types.RestoreSimulation) bool {
			return confirmed
		},
		ClearExisting: req.ClearExisting,
		Tables:        req.Tables,
	}

	result, sim, err := s.recovery.Restore(r.Context(), req.BackupID, opts)
	if errors.Is(err, restore.ErrRestoreInProgress) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	code := http.StatusOK
	if result != nil && result.Status == types.RestoreFailed && sim == nil {
		// Rejected before anything ran, e.g. an unknown backup id
		code = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, code, RestoreResponse{Result: result, Simulation: sim})
}

// clearBackupsHandler deletes backups older than ?olderThan=<duration> or ?before=<RFC3339>
func (s *Server) clearBackupsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	cutoff, err := retention.ParseCutoff(r.URL.Query().Get("olderThan"), r.URL.Query().Get("before"), time.Now())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.recovery.ClearOldBackups(r.Context(), cutoff)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) runRetentionHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	result, err := s.recovery.EnforceRetention(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// logRequestMiddleware logs HTTP requests
func (s *Server) logRequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		}).Debug("HTTP request")
		next.ServeHTTP(w, r)
	})
}
