package tenant

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ID identifies a tenant. It is printed as 32 lowercase hex digits.
type ID [16]byte

// Size is the serialized size of an ID.
const Size = 16

// Generate returns a new random tenant id.
func Generate() ID {
	return ID(uuid.New())
}

// Parse parses a tenant id from its 32 hex digit form. The dashed UUID form is accepted as well.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid tenant id %q: %w", s, err)
	}
	return ID(u), nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}
