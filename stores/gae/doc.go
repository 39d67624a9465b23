//go:build !wasm
// +build !wasm

// Package gae provides Google Cloud Datastore implementations of the
// socialauth store interfaces. It supports multi-tenancy through Datastore
// namespaces.
//
// # Datastore Kinds
//
// The package uses the following Datastore kinds:
//   - User: local accounts, keyed by user id
//   - Email: normalized email -> user id, the uniqueness index for emails
//   - AccountLink: keyed by "provider:external_id", so an identity can only
//     ever have one entity
//
// Inserts run as get-then-put inside a Datastore transaction, which makes
// the existence check and the write atomic.
//
// # Namespacing
//
// Pass a namespace when creating the store to isolate data between tenants:
//
//	store := gae.NewStore(client, "tenant-123")
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	store := gae.NewStore(client, "") // default namespace
package gae
