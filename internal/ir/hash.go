package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix enables future
// algorithm migration.
const (
	DomainEntity   = "marketsync/entity/v1"
	DomainSnapshot = "marketsync/snapshot/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EntityHash computes the content hash of a single entity.
func EntityHash(e Entity) (string, error) {
	canonical, err := MarshalCanonical(e)
	if err != nil {
		return "", fmt.Errorf("EntityHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEntity, canonical), nil
}

// SnapshotChecksum computes the checksum stored alongside a persisted
// snapshot. The order of entities does not matter: hashes are combined in
// id order, so a snapshot read back in any order verifies.
func SnapshotChecksum(collectionKey, actorID string, schemaVersion int, entities []Entity) (string, error) {
	sorted := make([]Entity, len(entities))
	copy(sorted, entities)
	SortEntities(sorted)

	hashes := make(IRArray, 0, len(sorted))
	for _, e := range sorted {
		h, err := EntityHash(e)
		if err != nil {
			return "", fmt.Errorf("SnapshotChecksum: entity %q: %w", e.ID(), err)
		}
		hashes = append(hashes, IRString(h))
	}

	obj := IRObject{
		"collection":     IRString(collectionKey),
		"actor":          IRString(actorID),
		"schema_version": IRInt(schemaVersion),
		"entities":       hashes,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("SnapshotChecksum: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}

// MustEntityHash is like EntityHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEntityHash(e Entity) string {
	h, err := EntityHash(e)
	if err != nil {
		panic(err)
	}
	return h
}
