package auth

import (
	"sync"
	"time"
)

// Session is an OAuth2 session belonging to one browser cookie.
type Session struct {
	ID           string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	Subject      string // token subject claim when the access/id token is a JWT
	ExpiresAt    *time.Time
}

// Valid reports whether the session carries a usable access token.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// SessionStore is a mutex-guarded session table. Expired sessions are
// evicted on first access past their expiry.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Get returns the session for id, deleting it if expired.
func (st *SessionStore) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	if !s.Valid(time.Now()) {
		delete(st.sessions, id)
		return nil, false
	}
	return s, true
}

// Put stores a session keyed by its id.
func (st *SessionStore) Put(s *Session) {
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
}

// Delete removes a session.
func (st *SessionStore) Delete(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Len returns the live session count.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Sweep removes sessions past their expiry.
func (st *SessionStore) Sweep() {
	now := time.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, s := range st.sessions {
		if !s.Valid(now) {
			delete(st.sessions, id)
		}
	}
}
