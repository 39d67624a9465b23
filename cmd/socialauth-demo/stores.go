package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cloud.google.com/go/datastore"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	sa "github.com/panyam/socialauth"
	"github.com/panyam/socialauth/stores/fs"
	"github.com/panyam/socialauth/stores/gae"
	sagorm "github.com/panyam/socialauth/stores/gorm"
	"github.com/panyam/socialauth/stores/memory"
	saredis "github.com/panyam/socialauth/stores/redis"
	"github.com/panyam/socialauth/stores/sqlite"
)

// backend is an opened store. Tx is nil when the store cannot span both tables.
type backend struct {
	Links    sa.AccountLinkStore
	Users    sa.UserDirectory
	Verifier sa.EmailVerifier
	Tx       sa.TxRunner
	Close    func() error
}

func noClose() error { return nil }

func openBackend(ctx context.Context, cfg Config) (*backend, error) {
	slog.Info("opening store", "store", cfg.Store)
	switch cfg.Store {
	case "memory":
		s := memory.New()
		return &backend{Links: s, Users: s, Verifier: s, Close: noClose}, nil

	case "fs":
		users := fs.NewFSUserStore(cfg.DataDir)
		return &backend{Links: fs.NewFSLinkStore(cfg.DataDir), Users: users, Verifier: users, Close: noClose}, nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0755); err != nil {
			return nil, err
		}
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &backend{Links: s, Users: s, Verifier: s, Tx: s, Close: s.Close}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		s := saredis.New(client, cfg.RedisPrefix)
		return &backend{Links: s, Users: s, Verifier: s, Close: client.Close}, nil

	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := sagorm.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		s := sagorm.NewStore(db)
		return &backend{Links: s, Users: s, Verifier: s, Tx: s, Close: sqlDB.Close}, nil

	case "datastore":
		client, err := datastore.NewClient(ctx, cfg.DatastoreProject)
		if err != nil {
			return nil, fmt.Errorf("connect datastore: %w", err)
		}
		s := gae.NewStore(client, cfg.DatastoreNamespace)
		return &backend{Links: s, Users: s, Verifier: s, Tx: s, Close: client.Close}, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}
