package refinetools

import (
	"fmt"
	"sync"

	"github.com/avela/refinery/internal/refine"
)

// SessionRegistry tracks open refinement sessions at the serving layer and
// enforces one open session per agent. The store itself does not serialize
// sessions; the lease here is what keeps two refinement runs from interleaving
// writes against the same agent.
type SessionRegistry struct {
	mu      sync.Mutex
	byID    map[string]*refine.Session
	byAgent map[string]string
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byID:    make(map[string]*refine.Session),
		byAgent: make(map[string]string),
	}
}

// Begin registers a new session for the agent. It fails when the agent
// already holds an open session.
func (r *SessionRegistry) Begin(sess *refine.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if open, ok := r.byAgent[sess.AgentID]; ok {
		return fmt.Errorf("agent %s already has an open refinement session (%s)", sess.AgentID, open)
	}
	r.byID[sess.ID] = sess
	r.byAgent[sess.AgentID] = sess.ID
	return nil
}

// Get returns the open session with the given id.
func (r *SessionRegistry) Get(sessionID string) (*refine.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byID[sessionID]
	return sess, ok
}

// Release drops a finished session and frees the agent's lease.
func (r *SessionRegistry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.byID[sessionID]; ok {
		delete(r.byAgent, sess.AgentID)
		delete(r.byID, sessionID)
	}
}
