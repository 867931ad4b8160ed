package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/flagsync/internal/config"
	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/metrics"
	"github.com/matt-riley/flagsync/internal/storage"
)

// openStore opens the cache store selected by STORE. The returned func
// releases it and is never nil.
func openStore(ctx context.Context, cfg config.Config, m *metrics.Metrics) (core.KVStore, func(), error) {
	switch cfg.Store {
	case config.StoreBolt:
		store, err := storage.NewBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := runMigrations(pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		if m != nil {
			metrics.RegisterPoolMetrics(m.Registry, pool)
		}
		return storage.NewPostgresStore(pool), pool.Close, nil

	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}
