package engine

import (
	"github.com/google/uuid"

	"github.com/roach88/marketsync/internal/ir"
)

// IDGenerator fabricates temp ids for optimistic inserts.
// Implemented by TempIDGenerator (production) and testutil.SequenceIDs.
type IDGenerator interface {
	Generate() string
}

// TempIDGenerator generates "tmp_" + UUIDv7.
//
// UUIDv7 is time-sortable, so temp entities created later sort after earlier
// ones, and the prefix guarantees no collision with server-issued ids.
//
// Thread-safety: TempIDGenerator is stateless and safe for concurrent use.
type TempIDGenerator struct{}

// Generate returns a new temp id.
//
// Panics if UUID generation fails (should never happen in practice).
func (TempIDGenerator) Generate() string {
	return ir.TempIDPrefix + uuid.Must(uuid.NewV7()).String()
}
