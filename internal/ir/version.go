package ir

// Version constants for persisted state and the engine.
const (
	// SnapshotSchemaVersion is the layout version of persisted snapshots.
	// A snapshot written with any other version is ignored and forces a
	// cold full pull.
	SnapshotSchemaVersion = 1

	// EngineVersion is the marketsync engine version.
	EngineVersion = "0.1.0"
)
