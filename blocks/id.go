package blocks

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// IDSize is the length of a block identifier in bytes (128 bits).
const IDSize = 16

// ID is a fixed-length, randomly generated block identifier. The ID space
// is large enough that collisions between independently generated IDs are
// negligible.
type ID [IDSize]byte

// ZeroID is the all-zero ID. It is never assigned to a block and is used
// to mark unallocated block references.
var ZeroID ID

// NewID generates a new random block identifier.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the canonical lowercase hex encoding of a block ID.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ZeroID, fmt.Errorf("invalid block id %q: %w", s, err)
	}
	if len(raw) != IDSize {
		return ZeroID, fmt.Errorf("invalid block id %q: expected %d bytes, got %d", s, IDSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the canonical lowercase hex encoding of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the ID is the unallocated marker.
func (id ID) IsZero() bool {
	return bytes.Equal(id[:], ZeroID[:])
}
