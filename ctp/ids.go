package ctp

import (
	"encoding/hex"
	"os"

	"github.com/google/uuid"
)

// NewID generates a fresh 32-byte ID: a UUID's 16 raw bytes hex-encoded to
// 32 ASCII characters, the same trick original_source/ctp/ctp.py uses with
// uuid4().hex to fill a fixed-width ASCII ID field.
func NewID() ID {
	u := uuid.New()
	var id ID
	hex.Encode(id[:], u[:])
	return id
}

// ParseID validates and wraps a 32-byte ASCII ID, e.g. one read out of a
// config file or a CLUSTER_JOIN_ACK peer list.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != IDLength {
		return id, ErrMalformedFrame
	}
	copy(id[:], s)
	return id, nil
}

// LoadOrCreateID reads a peer ID previously stamped at path, or generates
// and persists a fresh one if path doesn't exist yet. A peer's ID "does
// not change over a peer's lifetime" per spec.md §3, so join and run must
// agree on it across separate process invocations; this is the on-disk
// anchor that makes that true.
func LoadOrCreateID(path string) (ID, error) {
	bs, err := os.ReadFile(path)
	if err == nil {
		return ParseID(string(bs))
	}
	if !os.IsNotExist(err) {
		return ID{}, err
	}

	id := NewID()
	if err := os.WriteFile(path, []byte(id.String()), 0o644); err != nil {
		return ID{}, err
	}
	return id, nil
}
