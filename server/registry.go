package server

import "sync"

// Registry is the ordered set of live sessions, bounded by a maximum size.
// Membership is the authority for whether a session is still active.
type Registry struct {
	max int

	m        sync.Mutex
	sessions []*Session
}

func NewRegistry(max int) *Registry {
	return &Registry{max: max}
}

// TryAdd registers s if the registry is under its limit, and reports whether it did.
func (r *Registry) TryAdd(s *Session) bool {
	r.m.Lock()
	defer r.m.Unlock()
	if len(r.sessions) >= r.max {
		return false
	}
	r.sessions = append(r.sessions, s)
	return true
}

// Remove unregisters s and reports whether it was registered.
func (r *Registry) Remove(s *Session) bool {
	r.m.Lock()
	defer r.m.Unlock()
	for i, rs := range r.sessions {
		if rs == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) Len() int {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.sessions)
}

func (r *Registry) Max() int { return r.max }

// Sessions returns a snapshot of the registered sessions in registration order.
func (r *Registry) Sessions() []*Session {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]*Session(nil), r.sessions...)
}
