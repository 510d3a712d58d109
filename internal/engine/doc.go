// Package engine implements the marketsync optimistic sync engine.
//
// The engine keeps a client-side cache of server-owned entities consistent
// with a remote authority while letting the user see their own edits
// immediately.
//
// COMPONENTS:
//
// Per collection a Session wires together:
//   - entitystore.Store: the in-memory entities the UI reads
//   - SyncCursor: when this collection was last reconciled
//   - TombstoneSet: ids deleted locally this session
//   - Merger: incremental and full pulls from the authority
//   - Coordinator: optimistic insert, update and delete with rollback
//   - Bridge: load and save the durable snapshot
//
// Reference collections (lookup data) get a Hydrator instead, which fetches
// only the ids a primary entity points at.
//
// CRITICAL PATTERNS:
//
// Cursor capture before fetch:
// Merge reads the clock BEFORE asking the authority for changes and
// advances the cursor to that reading, never to the newest entity
// timestamp. Writes that land while the request is in flight carry a later
// modification time and are picked up by the next merge. Inclusive (>=)
// change queries make re-delivery harmless: merging is an idempotent upsert.
//
// Tombstones suppress resurrection:
// A merge may return an entity the user just deleted if the remote delete
// has not landed yet. Merges skip every tombstoned id.
//
// Optimistic writes never persist:
// Mutations only touch memory. The snapshot is written after a successful
// merge or full pull, and never contains temp entities. A crash mid
// mutation loses the optimistic change, not correctness.
//
// Concurrency:
// Each store write runs to completion under the store mutex. Remote calls
// suspend the caller, and other goroutines may mutate the store meanwhile;
// every post-await step re-checks current store state before writing.
package engine
