package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/crewjobs/internal/config"
	"github.com/suPer8Hu/crewjobs/internal/db"
	"github.com/suPer8Hu/crewjobs/internal/jobs"
	"github.com/suPer8Hu/crewjobs/internal/store/redisstore"
)

// CloseFunc releases a resource opened during bootstrap.
type CloseFunc func() error

func noopClose() error { return nil }

// OpenStore opens the job store selected by JOBS_STORE.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (jobs.Store, CloseFunc, error) {
	switch cfg.Jobs.Store {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noopClose, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("job store ready", "store", "redis", "addr", cfg.Redis.Addr, "namespace", cfg.Jobs.Table)
		return redisstore.New(client, cfg.Jobs.Table, cfg.Jobs.Retention), client.Close, nil

	default:
		gdb, err := db.Open(cfg.DB.Driver, cfg.DB.DSN)
		if err != nil {
			return nil, noopClose, err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, noopClose, err
		}
		repo := jobs.NewRepo(gdb, cfg.Jobs.Table, cfg.Jobs.Retention)
		if cfg.DB.AutoMigrate {
			if err := repo.Migrate(ctx); err != nil {
				_ = sqlDB.Close()
				return nil, noopClose, fmt.Errorf("migrate %s: %w", cfg.Jobs.Table, err)
			}
		}
		logger.Info("job store ready", "store", "sql", "driver", cfg.DB.Driver, "table", cfg.Jobs.Table)
		return repo, sqlDB.Close, nil
	}
}

// NewReaper builds the reaper for store from REAPER_* settings. In queue
// mode pass the publisher as redispatch so stale PENDING jobs get a fresh
// trigger; with nil they are failed as lost.
func NewReaper(store jobs.Store, cfg config.Config, redispatch jobs.Dispatcher, logger *slog.Logger) (*jobs.Reaper, error) {
	opts := jobs.ReaperOptions{
		Store:  store,
		Config: cfg.Reaper,
		Logger: logger,
	}
	if cfg.Dispatch.Mode == config.DispatchQueue && redispatch != nil {
		opts.Redispatcher = redispatch
	}
	return jobs.NewReaper(opts)
}
