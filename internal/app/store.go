package app

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/config"
	"github.com/Ramsey-B/sorrel/internal/repositories/contact"
	"github.com/Ramsey-B/sorrel/pkg/database"
	"github.com/Ramsey-B/sorrel/pkg/reconcile"
)

// Store is an identity store that can report its health
type Store interface {
	reconcile.Store
	Ping(ctx context.Context) error
}

// OpenStore opens the configured identity store. Postgres is migrated first
// when DB_RUN_MIGRATIONS is set. The returned func releases the store.
func OpenStore(ctx context.Context, cfg config.Config, logger ectologger.Logger) (Store, func() error, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.WithContext(ctx).Warn("Using the in-memory identity store; contacts are lost on exit")
		return contact.NewMemoryRepository(logger), func() error { return nil }, nil
	}

	db, err := database.Open(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, nil, err
	}

	if cfg.DatabaseRunMigrations {
		migrations := database.NewMigrationService(logger, cfg.Migration())
		if err := migrations.MigratePostgres(db.SQL(), cfg.DatabaseName); err != nil {
			_ = db.SQL().Close()
			return nil, nil, err
		}
	}

	return contact.NewRepository(db, logger), db.SQL().Close, nil
}
