package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"genmedia-studio/internal/errs"
	"genmedia-studio/internal/studio"
)

// Session is one interactive caller of the pipeline for one project. It holds
// a single in-flight slot: a Generate or Refine started while another is
// outstanding fails at once with BUSY.
type Session struct {
	pipeline  *Pipeline
	projectID string
	observer  StateObserver

	busy atomic.Bool

	mu    sync.Mutex
	state State
}

// NewSession binds a session to projectID. observer may be nil.
func (p *Pipeline) NewSession(projectID string, observer StateObserver) *Session {
	return &Session{pipeline: p, projectID: projectID, observer: observer, state: StateIdle}
}

// SessionFor returns the shared session of projectID, creating it on first
// use. Callers that share it also share its busy slot.
func (p *Pipeline) SessionFor(projectID string) *Session {
	if s, ok := p.sessions.Load(projectID); ok {
		return s.(*Session)
	}
	s, _ := p.sessions.LoadOrStore(projectID, p.NewSession(projectID, nil))
	return s.(*Session)
}

// Generate runs snap through the shared session of projectID.
func (p *Pipeline) Generate(ctx context.Context, projectID string, snap studio.InputSnapshot) (studio.GeneratedAsset, error) {
	return p.SessionFor(projectID).Generate(ctx, snap)
}

// Refine runs a refinement through the shared session of projectID.
func (p *Pipeline) Refine(ctx context.Context, projectID string, prior studio.GeneratedAsset, feedback string) (studio.GeneratedAsset, error) {
	return p.SessionFor(projectID).Refine(ctx, prior, feedback)
}

func (s *Session) ProjectID() string {
	return s.projectID
}

// Busy reports whether a request is outstanding.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

// State is the state of the current or most recent attempt.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generate produces a new asset from snap and appends it to the project history.
func (s *Session) Generate(ctx context.Context, snap studio.InputSnapshot) (studio.GeneratedAsset, error) {
	if err := s.acquire(); err != nil {
		return studio.GeneratedAsset{}, err
	}
	defer s.release()

	return s.pipeline.generate(ctx, s.projectID, snap, s.observe)
}

// Refine produces a new asset from prior and feedback. prior is never modified.
func (s *Session) Refine(ctx context.Context, prior studio.GeneratedAsset, feedback string) (studio.GeneratedAsset, error) {
	if err := s.acquire(); err != nil {
		return studio.GeneratedAsset{}, err
	}
	defer s.release()

	return s.pipeline.refine(ctx, s.projectID, prior, feedback, s.observe)
}

func (s *Session) acquire() error {
	if !s.busy.CompareAndSwap(false, true) {
		return errs.New(errs.KindBusy, "session", "a generation is already in progress for project "+s.projectID)
	}
	s.setState(StateIdle)
	return nil
}

func (s *Session) release() {
	s.busy.Store(false)
}

func (s *Session) observe(st State) {
	if !s.setState(st) {
		return
	}
	if s.observer != nil {
		s.observer(st)
	}
}

// setState reports whether st differs from the current state.
func (s *Session) setState(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == st {
		return false
	}
	s.state = st
	return true
}
