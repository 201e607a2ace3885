package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/Conductor/internal/adapter/memory"
	cfnats "github.com/Strob0t/Conductor/internal/adapter/nats"
	"github.com/Strob0t/Conductor/internal/adapter/natskv"
	"github.com/Strob0t/Conductor/internal/adapter/postgres"
	"github.com/Strob0t/Conductor/internal/adapter/ristretto"
	"github.com/Strob0t/Conductor/internal/adapter/sqlite"
	"github.com/Strob0t/Conductor/internal/adapter/taskcache"
	"github.com/Strob0t/Conductor/internal/adapter/tiered"
	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/port/eventstore"
	"github.com/Strob0t/Conductor/internal/port/taskstore"
)

// storage is the durable backend selected by config.
type storage struct {
	journal eventstore.Journal // nil for the memory driver
	tasks   taskstore.Store
	close   func()
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		version, err := postgres.RunMigrations(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied", "version", version)

		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		slog.Info("postgres connected", "max_conns", cfg.Postgres.MaxConns)
		return &storage{
			journal: postgres.NewJournal(pool),
			tasks:   postgres.NewTaskStore(pool),
			close:   pool.Close,
		}, nil

	case "sqlite":
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("sqlite opened", "path", cfg.SQLite.Path)
		return &storage{
			journal: sqlite.NewJournal(db),
			tasks:   sqlite.NewTaskStore(db),
			close:   func() { _ = db.Close() },
		}, nil

	default:
		slog.Warn("memory storage: messages and tasks are lost on restart")
		return &storage{tasks: memory.NewTaskStore(), close: func() {}}, nil
	}
}

// withCache puts the tiered cache in front of tasks when enabled: ristretto
// in process, NATS KV shared between nodes.
func withCache(ctx context.Context, cfg *config.Config, queue *cfnats.Queue, tasks taskstore.Store) (taskstore.Store, func(), error) {
	if !cfg.Cache.Enabled {
		return tasks, func() {}, nil
	}
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return nil, nil, err
	}
	kv, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		l1.Close()
		return nil, nil, err
	}
	c := tiered.New(l1, natskv.New(kv), cfg.Cache.L1TTL)
	slog.Info("task cache enabled", "l1_mb", cfg.Cache.L1MaxSizeMB, "l2_bucket", cfg.Cache.L2Bucket)
	return taskcache.New(tasks, c, cfg.Cache.L2TTL), l1.Close, nil
}
