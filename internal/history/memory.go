package history

import (
	"context"
	"sync"

	"genmedia-studio/internal/studio"
)

type memoryRecord struct {
	entries []studio.GeneratedAsset
	version int64
}

// Memory is a process-local Backend.
type Memory struct {
	mu       sync.Mutex
	projects map[string]memoryRecord
}

func NewMemory() *Memory {
	return &Memory{projects: make(map[string]memoryRecord)}
}

func (m *Memory) Load(_ context.Context, projectID string) ([]studio.GeneratedAsset, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.projects[projectID]
	return studio.CloneHistory(rec.entries), rec.version, nil
}

func (m *Memory) Replace(_ context.Context, projectID string, entries []studio.GeneratedAsset, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.projects[projectID]
	if rec.version != expected {
		return rec.version, ErrVersionConflict
	}
	rec.entries = studio.CloneHistory(entries)
	rec.version++
	m.projects[projectID] = rec
	return rec.version, nil
}
