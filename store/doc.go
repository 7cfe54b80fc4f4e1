// Package store implements a document storage adapter over an embedded
// SQLite instance.
//
// The adapter exposes the storage contract consumed by a reactive,
// document-oriented database framework: open a collection-backed
// instance, bulk write, find by id, query, count, read changes since a
// checkpoint, subscribe to change notifications, clean up and close. It
// persists collections into SQL tables in one of two layouts.
//
// # Layouts
//
// In the blob layout each document is stored as one serialized JSON value
// beside bookkeeping columns:
//
//	(id TEXT PRIMARY KEY, data TEXT, deleted INTEGER, rev TEXT)
//
// Filters and sorts against blob collections compile to json_extract()
// expressions over the data column, so the engine evaluates them without
// the adapter deserializing candidate rows.
//
// In the relational layout each top-level schema field becomes its own
// typed column, with nested objects and arrays serialized into TEXT
// columns, plus the same (deleted, rev) bookkeeping pair. The compiled
// schema is a closed set: documents carrying fields outside it are
// rejected at write time.
//
// # Writes
//
// BulkWrite runs each batch inside one transaction with per-row savepoint
// isolation: an individual row failure is reported in the result's Error
// partition while the remainder of the batch commits. Each successful row
// is stamped with a fresh revision and its soft-delete flag, and appended
// to a per-collection change log table within the same transaction. The
// change log drives both ChangedSince checkpointing and the post-commit
// ChangeStream notifications.
//
// # Connections
//
// Instances resolve their engine connection through a registry.Registry,
// which guarantees one live connection per (layout, logical database
// name) for the process lifetime. Journal mode is configured when the
// connection opens. Closing an instance never closes the shared
// connection; reclamation is the registry's explicit Evict/CloseAll.
//
// # Validation
//
// A pluggable validator may be attached at three lifecycle points
// (pre-insert, pre-save, pre-query-return), gated by independent strategy
// flags. A rejection aborts only the specific row or query it occurred
// in, surfaced as a *ValidationError.
package store
