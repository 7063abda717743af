// Package backends opens the persistence backends named in the configuration.
package backends

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/RecoveryGuard/pkg/config"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/storage"
	"github.com/supporttools/RecoveryGuard/pkg/storage/indexed"
	"github.com/supporttools/RecoveryGuard/pkg/storage/kv"
	"github.com/supporttools/RecoveryGuard/pkg/storage/local"
	"github.com/supporttools/RecoveryGuard/pkg/storage/s3"
)

// Open opens every configured storage location in order. If any backend
// fails to open, the ones already opened are closed.
func Open(cfg *config.AppConfig, logger *logrus.Logger) ([]storage.Backend, error) {
	logger = logging.OrDefault(logger)

	var opened []storage.Backend
	for _, loc := range cfg.Recovery.StorageLocations {
		b, err := openOne(cfg, loc, logger)
		if err != nil {
			Close(opened, logger)
			return nil, fmt.Errorf("failed to open %s storage: %w", loc, err)
		}
		logger.WithField("backend", b.Name()).Info("Storage backend ready")
		opened = append(opened, b)
	}

	if len(opened) == 0 {
		return nil, fmt.Errorf("no storage locations configured")
	}
	return opened, nil
}

func openOne(cfg *config.AppConfig, loc string, logger *logrus.Logger) (storage.Backend, error) {
	switch loc {
	case config.StorageLocal:
		return local.NewClient(cfg.Local.BackupDirectory, logger)
	case config.StorageKV:
		return kv.Open(cfg.KV.Directory, cfg.KV.InMemory)
	case config.StorageIndexed:
		target := cfg.Indexed.Path
		if cfg.Indexed.Dialect == "mysql" {
			target = cfg.Indexed.DSN
		}
		return indexed.Open(cfg.Indexed.Dialect, target, cfg.Debug, logger)
	case config.StorageS3:
		return s3.NewClient(cfg.S3, cfg.Debug, logger)
	default:
		return nil, fmt.Errorf("unknown storage location %q", loc)
	}
}

// Close closes every backend, logging failures
func Close(list []storage.Backend, logger *logrus.Logger) {
	logger = logging.OrDefault(logger)
	for _, b := range list {
		if err := b.Close(); err != nil {
			logger.WithError(err).WithField("backend", b.Name()).Warn("Failed to close storage backend")
		}
	}
}
