package workspace

import (
	"fmt"
	"sync"
	"time"
)

// Key identifies a workspace: one per user in each chat.
type Key struct {
	ChatID int64
	UserID int64
}

// ProjectID is the history project a chat user's generations are filed under.
func (k Key) ProjectID() string {
	return fmt.Sprintf("tg-%d-%d", k.ChatID, k.UserID)
}

type Store struct {
	mu  sync.Mutex
	m   map[Key]*Workspace
	now func() time.Time
}

func NewStore() *Store {
	return &Store{m: make(map[Key]*Workspace), now: time.Now}
}

// Get returns a copy of the workspace for k, creating it if needed.
func (s *Store) Get(k Key) Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyOf(s.getOrCreateLocked(k))
}

// Update applies fn under the store lock and returns the result. An error
// from fn leaves the workspace as it was.
func (s *Store) Update(k Key, fn func(*Workspace) error) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.getOrCreateLocked(k)
	next := copyOf(cur)
	if fn != nil {
		if err := fn(&next); err != nil {
			return copyOf(cur), err
		}
	}
	next.UpdatedAt = s.now()
	*cur = next
	return copyOf(cur), nil
}

// Reset discards everything but the project id.
func (s *Store) Reset(k Key) Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := New(k.ProjectID())
	ws.UpdatedAt = s.now()
	s.m[k] = &ws
	return copyOf(&ws)
}

func (s *Store) getOrCreateLocked(k Key) *Workspace {
	if ws, ok := s.m[k]; ok {
		return ws
	}
	ws := New(k.ProjectID())
	ws.UpdatedAt = s.now()
	s.m[k] = &ws
	return &ws
}

func copyOf(ws *Workspace) Workspace {
	out := *ws
	out.Locations = cloneRefs(ws.Locations)
	out.CharacterRefs = cloneRefs(ws.CharacterRefs)
	out.StyleRefs = cloneRefs(ws.StyleRefs)
	if ws.LastResult != nil {
		last := ws.LastResult.Clone()
		out.LastResult = &last
	}
	if ws.restored != nil {
		restored := ws.restored.Clone()
		out.restored = &restored
	}
	return out
}
