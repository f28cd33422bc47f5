package main

import (
	"context"

	"github.com/novaproto/orchestrator/internal/config"
	"github.com/novaproto/orchestrator/internal/store"
)

// openStore builds the authoritative in-memory store, wiring a Postgres
// durability tier when a DSN is configured. A missing/empty DSN yields a
// purely in-memory store, which is fine for the CLI inspection commands
// and for local development.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	dsn := cfg.Postgres.DSN
	if pgDSN != "" {
		dsn = pgDSN
	}

	if dsn == "" {
		return store.New(nil), nil
	}

	backend, err := store.NewPostgresBackend(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return store.New(backend), nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	if pgDSN != "" {
		cfg.Postgres.DSN = pgDSN
	}
	return cfg, nil
}
