// Package history keeps finished diagnostic task snapshots in a local
// SQLite database.
package history

import "codeberg.org/mutker/gpudiag/internal/diag"

// Store records finished tasks and answers per-device history queries.
type Store interface {
	Record(snapshot diag.Snapshot) error
	// Recent returns up to limit snapshots of deviceID, newest first.
	Recent(deviceID, limit int) ([]diag.Snapshot, error)
	Close() error
}
