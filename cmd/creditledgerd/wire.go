package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ronitervo/creditledger"
	"github.com/ronitervo/creditledger/generator/gemini"
	"github.com/ronitervo/creditledger/generator/mock"
	"github.com/ronitervo/creditledger/store"
	storepg "github.com/ronitervo/creditledger/store/postgres"
	storeredis "github.com/ronitervo/creditledger/store/redis"
)

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore connects the configured store. The returned close func releases
// its connections.
func openStore(ctx context.Context, cfg creditledger.StoreConfig) (creditledger.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis: ping %s: %w", cfg.RedisAddr, err)
		}
		s := storeredis.New(client, storeredis.WithKeyPrefix(cfg.Prefix+":"))
		return s, func() { client.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres: ping: %w", err)
		}
		s := storepg.New(pool, storepg.WithTablePrefix(cfg.Prefix+"_"))
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func newGenerator(cfg creditledger.GeneratorConfig) (creditledger.Generator, error) {
	switch cfg.Provider {
	case "gemini":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("generator: api_key is required for gemini")
		}
		opts := []gemini.Option{gemini.WithHTTPClient(&http.Client{Timeout: cfg.Timeout})}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		return gemini.New(cfg.APIKey, cfg.Model, opts...), nil
	case "mock":
		return mock.New(mock.WithModel(cfg.Model)), nil
	}
	return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
}
