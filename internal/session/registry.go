package session

import (
	"errors"
	"sync"
)

// ErrSessionNotFound is returned when a registry lookup yields no session.
var ErrSessionNotFound = errors.New("session not found")

// Registry is the owned collection of live sessions. It is the one shared
// mutable structure in the engine; iteration hands out snapshots so
// broadcast and idle scans tolerate concurrent insert and remove.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// byUser indexes the live session bound to each username. Lookups read
	// the index under the registry lock only, so FindByUsername is safe to
	// call while holding any session's lock.
	byUser map[string]*Session
	// owners maps session ID to its bound username for index cleanup.
	owners map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]*Session),
		owners:   make(map[string]string),
	}
}

// Add registers a session by its ID.
//
// Precondition: s must be non-nil with a non-empty ID.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove unregisters the session with the given ID.
//
// Postcondition: Returns the removed session, or ErrSessionNotFound.
func (r *Registry) Remove(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(r.sessions, id)
	if username, bound := r.owners[id]; bound {
		delete(r.owners, id)
		if cur, live := r.byUser[username]; live && cur.ID == id {
			delete(r.byUser, username)
		}
	}
	return s, nil
}

// Bind records s as the live session for username, displacing any earlier
// session bound to the same name (session transfer). Callers may hold s's
// own lock; Bind never takes session locks.
//
// Precondition: s must be registered and username non-empty.
func (r *Registry) Bind(s *Session, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.owners[s.ID]; ok && prev != username {
		if cur, live := r.byUser[prev]; live && cur.ID == s.ID {
			delete(r.byUser, prev)
		}
	}
	r.byUser[username] = s
	r.owners[s.ID] = username
}

// Get returns the session with the given ID.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// FindByUsername returns the session bound to username via Bind. It takes
// only the registry lock, never a session lock, so state handlers can call
// it mid-dispatch while their own session's lock is held.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (r *Registry) FindByUsername(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUser[username]
	return s, ok
}

// All returns a snapshot slice of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
