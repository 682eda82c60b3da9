package domain

import "time"

// SyncCursor is the discovery boundary already covered for one tracked token.
// Corresponds to sync_cursors table.
type SyncCursor struct {
	TokenAddress string
	CoveredUntil time.Time // next discovery window starts here
	LastBlock    uint64
	LastTxHash   string
	Pages        int64
	UpdatedAt    time.Time
}
