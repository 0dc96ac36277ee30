package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/labelscan/internal/config"
	gcppublisher "github.com/JakeFAU/labelscan/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/labelscan/internal/queue/memory"
	queueredis "github.com/JakeFAU/labelscan/internal/queue/redis"
	gcsstorage "github.com/JakeFAU/labelscan/internal/storage/gcs"
	localstorage "github.com/JakeFAU/labelscan/internal/storage/local"
	memorystorage "github.com/JakeFAU/labelscan/internal/storage/memory"
	pgstore "github.com/JakeFAU/labelscan/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/labelscan/internal/storage/sqlite"
	"github.com/JakeFAU/labelscan/internal/verify"
)

// OpenQueue connects the configured pending-job store.
func OpenQueue(ctx context.Context, cfg config.QueueConfig) (verify.QueueStore, error) {
	switch cfg.Provider {
	case "redis":
		store, err := queueredis.New(ctx, queueredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		if err != nil {
			return nil, fmt.Errorf("redis queue init failed: %w", err)
		}
		return store, nil
	case "", "memory":
		return queuememory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown queue provider %q", cfg.Provider)
	}
}

func openRecords(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (verify.RecordStore, error) {
	switch cfg.Provider {
	case "postgres":
		store, err := pgstore.NewImageStore(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			Table:           cfg.Table,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres record store init failed: %w", err)
		}
		if cfg.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		logger.Info("postgres record store initialized", zap.String("table", cfg.Table))
		return store, nil
	case "sqlite":
		store, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite record store init failed: %w", err)
		}
		logger.Info("sqlite record store initialized", zap.String("path", cfg.SQLitePath))
		return store, nil
	case "", "memory":
		logger.Warn("using in-memory record store; records are lost on exit")
		return memorystorage.NewRecordStore(), nil
	default:
		return nil, fmt.Errorf("unknown db provider %q", cfg.Provider)
	}
}

func (a *App) setupArchive(ctx context.Context) error {
	switch a.cfg.Archive.Provider {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.archive = store
		a.onClose("gcs", func(context.Context) error { return store.Close() })
		a.logger.Debug("GCS label archive", zap.String("bucket", a.cfg.Archive.Bucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.archive = store
		a.logger.Debug("local label archive", zap.String("path", a.cfg.Archive.BaseDir))
	case "memory":
		a.archive = memorystorage.NewBlobStore()
	default:
		a.logger.Info("label archive disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled {
		return nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.onClose("pubsub", func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return nil
}
