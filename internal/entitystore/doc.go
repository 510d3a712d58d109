// Package entitystore holds the in-memory entity collections that the UI
// renders from.
//
// A Store is a keyed map of entities for one collection. Every write is
// applied under the store mutex and runs to completion before the next one
// starts, so readers never observe a half-applied write. WriteBatch groups
// several writes into a single transition: subscribers receive one
// ChangeSet per committed write or batch, never an intermediate state.
//
// Entities leave the store only as deep copies. Callers may mutate what Get
// and All return without touching cached state.
//
// The store does no I/O. Durability lives in internal/store and is driven by
// the engine's Persistence Bridge.
package entitystore
