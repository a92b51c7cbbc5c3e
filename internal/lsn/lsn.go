package lsn

import (
	"fmt"
	"strconv"
	"strings"
)

// Lsn is a position in the write ahead log.
type Lsn uint64

// Invalid is the zero position, never assigned to a real record.
const Invalid Lsn = 0

// Parse parses the textual X/X form used by Postgres.
func Parse(s string) (Lsn, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return Invalid, fmt.Errorf("invalid lsn %q", s)
	}

	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return Invalid, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return Invalid, fmt.Errorf("invalid lsn %q: %w", s, err)
	}

	return Lsn(hi<<32 | lo), nil
}

func (l Lsn) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xffffffff)
}

// IsValid reports whether the position is not the zero position.
func (l Lsn) IsValid() bool {
	return l != Invalid
}

// SegmentNumber returns the WAL segment holding the position.
func (l Lsn) SegmentNumber(segSize uint64) uint64 {
	return uint64(l) / segSize
}

// SegmentOffset returns the offset of the position within its WAL segment.
func (l Lsn) SegmentOffset(segSize uint64) uint64 {
	return uint64(l) % segSize
}
