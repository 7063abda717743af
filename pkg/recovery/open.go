package recovery

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/RecoveryGuard/pkg/config"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/primary"
	"github.com/supporttools/RecoveryGuard/pkg/replication"
	"github.com/supporttools/RecoveryGuard/pkg/storage/backends"
)

// Open connects to the primary database and every configured storage
// location and returns a Manager owning them. Close releases everything.
func Open(ctx context.Context, cfg *config.AppConfig, logger *logrus.Logger) (*Manager, error) {
	logger = logging.OrDefault(logger)

	db, err := primary.Open(ctx, cfg.Primary.Driver, cfg.PrimaryDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary database: %w", err)
	}

	locations, err := backends.Open(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	var opts []Option
	if cfg.Replication.Enabled {
		switch cfg.Primary.Driver {
		case "postgres", "pgx":
			opts = append(opts, WithReplication(replication.NewPQSource(cfg.PrimaryDSN(), logger)))
		default:
			logger.WithField("driver", cfg.Primary.Driver).Warn("Replication watching needs a PostgreSQL primary, disabled")
		}
	}

	return New(cfg, db, locations, logger, opts...), nil
}
