package main

import (
	"context"

	"github.com/jobfeed/jobfeed/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	dsn := cfg.Store.DatabaseURL
	if cfg.Store.Driver == "sqlite" && dsn == "" {
		dsn = "jobfeed.db"
	}
	return store.New(ctx, cfg.Store.Driver, dsn, &store.PoolConfig{
		MaxConns: int32(cfg.Store.MaxConns),
		MinConns: int32(cfg.Store.MinConns),
	})
}
