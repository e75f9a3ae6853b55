// Package history stores the ordered list of generated assets per project.
package history

import (
	"context"
	"errors"

	"genmedia-studio/internal/studio"
)

var (
	// ErrVersionConflict is returned by Replace when the list changed since it was loaded.
	ErrVersionConflict = errors.New("history version conflict")
	ErrNotFound        = errors.New("history entry not found")
)

// Backend persists whole per-project lists. A project that was never written
// loads as an empty list at version 0.
type Backend interface {
	Load(ctx context.Context, projectID string) ([]studio.GeneratedAsset, int64, error)
	// Replace writes entries if the stored version still equals expected and
	// returns the new version.
	Replace(ctx context.Context, projectID string, entries []studio.GeneratedAsset, expected int64) (int64, error)
}
