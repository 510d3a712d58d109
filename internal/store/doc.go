// Package store provides durable snapshot storage for the sync engine.
//
// A snapshot is the full contents of one collection for one actor, plus the
// sync cursor that was current when it was taken. The engine loads it on
// startup to render before the network answers, then revalidates.
//
// # Backends
//
//   - SQLite (default): WAL mode, embedded schema, PRAGMA user_version
//     migrations. The snapshot row and its cursor row are written in one
//     transaction.
//   - PostgreSQL: one JSON payload row per (collection, actor), table
//     created lazily on first use.
//   - Badger: embedded key/value store, keys snapshot/<collection>/<actor>.
//   - Memory: process-local, used by tests and the scenario harness.
//
// OpenDSN picks a backend from a DSN scheme.
//
// # Integrity
//
// Stores only guarantee that what was saved is what is loaded, or that the
// load fails with ErrCorruptSnapshot. Checksum and schema version checks are
// the caller's job: a snapshot that fails them is treated as missing.
package store
