// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/p2psync/internal/model"
)

// SnapshotRepository persists the full tracker state between runs.
type SnapshotRepository interface {
	// Load returns the last saved snapshot. A backend with no prior session returns an
	// empty snapshot and no error.
	Load(ctx context.Context) (model.Snapshot, error)
	// Save replaces the stored state with snap.
	Save(ctx context.Context, snap model.Snapshot) error
}
