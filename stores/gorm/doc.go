//go:build !wasm
// +build !wasm

// Package gorm provides GORM-based implementations of the socialauth store
// interfaces. It supports any database that GORM supports (PostgreSQL, MySQL,
// SQLite, etc.). Uniqueness is enforced by unique indexes and inserts use
// ON CONFLICT DO NOTHING, so a lost race shows up as zero affected rows
// instead of an aborted transaction.
//
// # Database Schema
//
// The package auto-migrates the following tables:
//   - users: local accounts, unique on the normalized email (NULL when absent)
//   - account_links: (provider, external_id) -> user_id, unique on the pair
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	gormstore.AutoMigrate(db)
//	store := gormstore.NewStore(db)
//	reconciler, _ := socialauth.NewReconciler(socialauth.ReconcilerConfig{
//	    Links: store, Users: store, Tx: store,
//	})
package gorm
