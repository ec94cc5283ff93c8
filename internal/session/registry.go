package session

import (
	"sort"
	"sync"
	"time"

	"github.com/gamgui/gamgui/internal/backend"
)

// Registry is the in-memory authority on live sessions. All reads return
// copies; the canonical records never escape the lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func snapshot(s *Session) *Session {
	cp := *s
	if s.Binding != nil {
		b := *s.Binding
		cp.Binding = &b
	}
	return &cp
}

// Get returns a snapshot of a session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(s), nil
}

// visible implements the read-access rule: owners always see their own
// sessions, administrators additionally see every admin-kind session.
func visible(s *Session, principalID string, admin bool) bool {
	if s.OwnerID == principalID {
		return true
	}
	return admin && s.Kind == KindAdmin
}

// GetVisible returns a snapshot if the principal may see the session.
// Invisible sessions are reported as not found, not as forbidden.
func (r *Registry) GetVisible(id, principalID string, admin bool) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || !visible(s, principalID, admin) {
		return nil, ErrNotFound
	}
	return snapshot(s), nil
}

// List returns the sessions visible to a principal, newest first.
func (r *Registry) List(principalID string, admin bool) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if visible(s, principalID, admin) {
			out = append(out, snapshot(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// All returns snapshots of every session; used by maintenance jobs.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, snapshot(s))
	}
	return out
}

// Transition atomically moves a session to a new status. When from statuses
// are given the move only happens if the current status is one of them;
// otherwise any non-terminal status qualifies.
func (r *Registry) Transition(id string, to Status, from ...Status) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	allowed := false
	if len(from) == 0 {
		allowed = !s.Status.Terminal()
	} else {
		for _, f := range from {
			if s.Status == f {
				allowed = true
				break
			}
		}
	}
	if !allowed {
		return nil, &transitionError{ID: id, From: s.Status, To: to}
	}

	s.Status = to
	s.StatusChangedAt = time.Now()
	return snapshot(s), nil
}

// SetBinding attaches the provisioned binding to a session. A session is
// bound exactly once; a second bind is a programming error, not a race to
// resolve.
func (r *Registry) SetBinding(id string, b *backend.Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Binding != nil {
		return ErrBindingExists
	}
	s.Binding = b
	return nil
}

// SetError records a failure reason without changing status.
func (r *Registry) SetError(id, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Error = msg
	}
}

// Touch refreshes the activity timestamp used by the idle reaper.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActiveAt = time.Now()
	}
}

// CountOrchestrated reports active sessions bound to an orchestrated
// substrate; feeds the provisioning capacity cap.
func (r *Registry) CountOrchestrated() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.Binding != nil && s.Binding.Kind == backend.KindOrchestrated && !s.Status.Terminal() {
			n++
		}
	}
	return n
}
