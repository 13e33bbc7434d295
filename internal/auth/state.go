package auth

import (
	"sync"
	"time"
)

// StateTTL bounds the lifetime of an authorization round-trip.
const StateTTL = 10 * time.Minute

// stateRecord ties an in-flight authorization to its route and, when PKCE
// is enabled, the code verifier minted for it.
type stateRecord struct {
	route        string
	codeVerifier string
	createdAt    time.Time
}

// stateTable is a mutex-guarded use-once state store.
type stateTable struct {
	mu     sync.Mutex
	states map[string]stateRecord
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[string]stateRecord)}
}

func (t *stateTable) put(state, route, verifier string) {
	t.mu.Lock()
	t.states[state] = stateRecord{route: route, codeVerifier: verifier, createdAt: time.Now()}
	t.mu.Unlock()
}

// take consumes a state record. A second take of the same state fails, as
// does taking a record older than StateTTL.
func (t *stateTable) take(state string) (stateRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.states[state]
	if !ok {
		return stateRecord{}, false
	}
	delete(t.states, state)
	if time.Since(rec.createdAt) > StateTTL {
		return stateRecord{}, false
	}
	return rec, true
}

func (t *stateTable) sweep() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for state, rec := range t.states {
		if now.Sub(rec.createdAt) > StateTTL {
			delete(t.states, state)
		}
	}
}

func (t *stateTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
