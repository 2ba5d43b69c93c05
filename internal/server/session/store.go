// Package session holds per-visitor request state: the logged-in user, if
// any, and the set of share ids unlocked with an extraction code. It is a
// collaborator of the storage core, not part of it.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one visitor's state. Approved holds the ids of code-gated
// shares this session has unlocked; once present, access holds for the life
// of the session.
type Session struct {
	ID       string
	UserID   *int64
	Approved map[int64]bool
	expires  time.Time
}

// Store is an in-memory session store with TTL-based expiry.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewStore creates a session store. Stale sessions are swept in the
// background every few minutes.
func NewStore(ttl time.Duration) *Store {
	st := &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}

	go func() {
		for {
			time.Sleep(5 * time.Minute)
			st.sweep()
		}
	}()

	return st
}

// New creates a fresh anonymous session.
func (st *Store) New() *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	s := &Session{
		ID:       uuid.NewString(),
		Approved: make(map[int64]bool),
		expires:  time.Now().Add(st.ttl),
	}
	st.sessions[s.ID] = s
	return s
}

// Get returns the session with the given id, or nil when unknown or
// expired. A hit slides the expiry forward.
func (st *Store) Get(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return nil
	}
	if time.Now().After(s.expires) {
		delete(st.sessions, id)
		return nil
	}
	s.expires = time.Now().Add(st.ttl)
	return s
}

// Login binds a session to a user.
func (st *Store) Login(s *Session, userID int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s.UserID = &userID
}

// Approve records an unlocked share id on the session.
func (st *Store) Approve(s *Session, shareID int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s.Approved[shareID] = true
}

// Approved returns a copy of the session's unlocked share ids.
func (st *Store) Approved(s *Session) map[int64]bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make(map[int64]bool, len(s.Approved))
	for id := range s.Approved {
		out[id] = true
	}
	return out
}

// Delete drops a session (logout).
func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

func (st *Store) sweep() {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	for id, s := range st.sessions {
		if now.After(s.expires) {
			delete(st.sessions, id)
		}
	}
}
