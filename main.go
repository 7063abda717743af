package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/supporttools/RecoveryGuard/pkg/adminserver"
	"github.com/supporttools/RecoveryGuard/pkg/config"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/recovery"
	"github.com/supporttools/RecoveryGuard/pkg/scheduler"
	"github.com/supporttools/RecoveryGuard/pkg/version"
)

func main() {
	log.Println("Starting RecoveryGuard...")

	cfg, err := config.LoadConfiguration()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateConfig(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	if cfg.Debug {
		cfg.DisplayConfiguration()
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.WithField("version", version.Version).Info("Configuration loaded and validated")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := recovery.Open(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize recovery manager")
	}
	if err := mgr.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start recovery manager")
	}

	// A nil *Scheduler must not reach the admin server as a non-nil interface
	var schedule adminserver.Schedule
	var sched *scheduler.Scheduler
	if cfg.Schedule.Enabled {
		schedCfg, err := scheduler.ConfigFromApp(cfg)
		if err != nil {
			logger.WithError(err).Fatal("Invalid schedule configuration")
		}
		sched = scheduler.NewScheduler(schedCfg, mgr, mgr, mgr, logger)
		if err := sched.SetupJobs(); err != nil {
			logger.WithError(err).Fatal("Failed to setup scheduled jobs")
		}
		sched.Start()
		schedule = sched
	} else {
		logger.Info("Scheduling disabled; backups run only on request")
	}

	adminSrv := adminserver.NewServer(cfg.Metrics.Port, mgr, schedule, logger)
	adminSrv.Start()

	logger.Info("RecoveryGuard is running. Press Ctrl+C to exit.")
	<-ctx.Done()
	logger.Info("Received shutdown signal, shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := adminSrv.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Error shutting down HTTP server")
	}
	if sched != nil {
		sched.Stop()
	}
	if err := mgr.Close(); err != nil {
		logger.WithError(err).Warn("Error closing recovery manager")
	}
	logger.Info("Shutdown complete")
}
