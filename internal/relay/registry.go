package relay

import (
	"errors"
	"sync"
)

// ErrSessionLimit is returned by Claim when the user already holds the
// configured maximum number of concurrent session claims.
var ErrSessionLimit = errors.New("relay: concurrent session limit reached")

// Claimant is a live connection holding a session claim. Close must not
// return until the claimant's broker subscription is released, so a
// successor can subscribe without ever overlapping.
type Claimant interface {
	Close(code int, text string)
}

// Registry tracks which connection owns which session. Ownership is
// exclusive: claiming a session that is already held returns the previous
// holder so the caller can close it before subscribing.
type Registry struct {
	mu         sync.Mutex
	bySession  map[string]*registryEntry
	byUser     map[string]int
	maxPerUser int
}

type registryEntry struct {
	userID   string
	claimant Claimant
}

// NewRegistry creates a registry. maxPerUser <= 0 disables the cap.
func NewRegistry(maxPerUser int) *Registry {
	return &Registry{
		bySession:  make(map[string]*registryEntry),
		byUser:     make(map[string]int),
		maxPerUser: maxPerUser,
	}
}

// Claim makes c the exclusive owner of sessionID. If another connection
// held the session its Claimant is returned and the caller must Close it
// before subscribing. Reclaiming a session the same user already holds
// never counts against the cap.
func (r *Registry) Claim(sessionID, userID string, c Claimant) (evicted Claimant, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.bySession[sessionID]
	inUse := r.byUser[userID]
	if prev != nil && prev.userID == userID {
		inUse--
	}
	if r.maxPerUser > 0 && inUse >= r.maxPerUser {
		return nil, ErrSessionLimit
	}

	if prev != nil {
		r.byUser[prev.userID]--
		if r.byUser[prev.userID] == 0 {
			delete(r.byUser, prev.userID)
		}
		evicted = prev.claimant
	}
	r.bySession[sessionID] = &registryEntry{userID: userID, claimant: c}
	r.byUser[userID]++
	return evicted, nil
}

// Release drops the claim on sessionID, but only if c still holds it. A
// connection that was evicted releases nothing.
func (r *Registry) Release(sessionID string, c Claimant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.bySession[sessionID]
	if entry == nil || entry.claimant != c {
		return
	}
	delete(r.bySession, sessionID)
	r.byUser[entry.userID]--
	if r.byUser[entry.userID] == 0 {
		delete(r.byUser, entry.userID)
	}
}

// Get returns the current claimant of sessionID, or nil.
func (r *Registry) Get(sessionID string) Claimant {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry := r.bySession[sessionID]; entry != nil {
		return entry.claimant
	}
	return nil
}

// Count returns the number of active claims.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession)
}

// DropAll removes every claim and returns the claimants so the caller can
// close them outside the registry lock.
func (r *Registry) DropAll() []Claimant {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Claimant, 0, len(r.bySession))
	for _, entry := range r.bySession {
		out = append(out, entry.claimant)
	}
	r.bySession = make(map[string]*registryEntry)
	r.byUser = make(map[string]int)
	return out
}
