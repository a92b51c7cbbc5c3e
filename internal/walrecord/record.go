package walrecord

import (
	"github.com/joeandaverde/pageserver/internal/lsn"
)

// Record is one WAL record to replay. The position of a Record in a slice
// is its replay order.
type Record struct {
	// LSN is the end position of the record in the WAL.
	LSN lsn.Lsn

	// WillInit is set when the record initializes the page, so no prior image is needed.
	WillInit bool

	// Rec is the raw record, starting with the XLogRecord header.
	Rec []byte

	// MainDataOffset is the offset of the main data within Rec, or 0 if unknown.
	MainDataOffset uint32
}
