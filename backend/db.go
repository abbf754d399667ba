package main

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/agouch/outdora/backend/config"
	"github.com/agouch/outdora/backend/logger"
	"github.com/agouch/outdora/backend/matching"
	"github.com/agouch/outdora/backend/store"
	"github.com/agouch/outdora/backend/store/memstore"
	"github.com/agouch/outdora/backend/store/mongostore"
	"github.com/agouch/outdora/backend/store/pgstore"
)

// profileStore is what the handlers need from a storage driver.
type profileStore interface {
	matching.ProfileStore
	store.BatchReader
}

// openStore connects the configured driver. The returned close func releases
// every connection it opened.
func openStore(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (profileStore, func() error, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		log.Warn(ctx, "using the in-memory profile store; data is lost on restart")
		if cfg.Transactional {
			return memstore.NewTransactional(), noClose, nil
		}
		return memstore.New(), noClose, nil

	case config.StorePostgres:
		db, err := pgstore.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := pgstore.Migrate(ctx, db, "up"); err != nil {
				_ = db.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		s := pgstore.New(db, pgstore.Options{DSN: cfg.PostgresDSN, Logger: log})
		log.Info(ctx, "database connection established")
		return s, func() error { return multierr.Combine(s.Close(), db.Close()) }, nil

	case config.StoreMongo:
		mdb, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		s := mongostore.New(mdb, mongostore.Options{Collection: cfg.MongoColl, Logger: log})
		closeFn := func() error { return mdb.Client().Disconnect(context.Background()) }
		log.Info(ctx, "mongo connection established")
		if cfg.Transactional {
			return s.Transactional(), closeFn, nil
		}
		return s, closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func noClose() error { return nil }
