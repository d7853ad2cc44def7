// Package registry tracks live terminal sessions, independent of event
// logic. It is the sole owner of Session lifecycles.
package registry

import (
	"errors"
	"sync"

	"github.com/tillstream/tillstream/pkg/observability/logger"
)

var (
	// ErrUnauthenticated indicates a session without auth context.
	ErrUnauthenticated = errors.New("registry: session missing authentication context")
	// ErrTooManySessions indicates the local connection cap was reached.
	ErrTooManySessions = errors.New("registry: too many sessions")
)

// Hook observes session lifecycle transitions. Hooks run on their own
// goroutine and must never block registration or unregistration.
type Hook func(*Session)

// Registry holds this instance's live sessions, indexed by session id,
// tenant and terminal.
type Registry struct {
	log         logger.Logger
	maxSessions int

	mu         sync.RWMutex
	sessions   map[string]*Session
	byTenant   map[string]map[string]*Session
	byTerminal map[string]*Session

	onRegister   Hook
	onUnregister Hook
}

// NewRegistry creates a connection registry. maxSessions <= 0 disables the
// connection cap.
func NewRegistry(log logger.Logger, maxSessions int) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		log:         log,
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
		byTenant:    make(map[string]map[string]*Session),
		byTerminal:  make(map[string]*Session),
	}
}

// OnRegister installs the hook fired after a session joins.
func (r *Registry) OnRegister(hook Hook) { r.onRegister = hook }

// OnUnregister installs the hook fired after a session leaves.
func (r *Registry) OnUnregister(hook Hook) { r.onUnregister = hook }

// Register adds a session to the tenant's live set. A previous session for
// the same terminal is force-closed: newest connection wins. The replaced
// session does not emit offline presence, since the terminal never left.
func (r *Registry) Register(s *Session) error {
	if s == nil || s.TenantID() == "" || s.UserID() == "" {
		return ErrUnauthenticated
	}

	r.mu.Lock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return ErrTooManySessions
	}

	var replaced *Session
	if prev, ok := r.byTerminal[s.TerminalID()]; ok && prev.ID() != s.ID() {
		replaced = prev
		r.removeLocked(prev)
	}

	r.sessions[s.ID()] = s
	if r.byTenant[s.TenantID()] == nil {
		r.byTenant[s.TenantID()] = make(map[string]*Session)
	}
	r.byTenant[s.TenantID()][s.ID()] = s
	r.byTerminal[s.TerminalID()] = s
	r.mu.Unlock()

	if replaced != nil {
		r.log.Info("terminal reconnected, closing previous session",
			"terminal_id", s.TerminalID(),
			"old_session_id", replaced.ID(),
			"new_session_id", s.ID(),
		)
		_ = replaced.CloseConn()
	}

	if r.onRegister != nil {
		go r.onRegister(s)
	}
	return nil
}

// Unregister removes a session and returns it, or nil if unknown. Safe to
// call more than once for the same id.
func (r *Registry) Unregister(sessionID string) *Session {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.removeLocked(s)
	r.mu.Unlock()

	if r.onUnregister != nil {
		go r.onUnregister(s)
	}
	return s
}

// Get returns the session for an id, or nil.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// SessionsForTenant returns a snapshot of the tenant's live sessions.
func (r *Registry) SessionsForTenant(tenantID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.byTenant[tenantID]
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// FindByTerminal returns the live session for a terminal, if any.
func (r *Registry) FindByTerminal(terminalID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byTerminal[terminalID]
	return s, ok
}

// Len returns the number of live sessions on this instance.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close force-closes every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.byTenant = make(map[string]map[string]*Session)
	r.byTerminal = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.CloseConn()
	}
}

// removeLocked drops a session from all indexes. Caller holds the lock.
func (r *Registry) removeLocked(s *Session) {
	delete(r.sessions, s.ID())
	tenantSessions := r.byTenant[s.TenantID()]
	delete(tenantSessions, s.ID())
	if len(tenantSessions) == 0 {
		delete(r.byTenant, s.TenantID())
	}
	if current, ok := r.byTerminal[s.TerminalID()]; ok && current.ID() == s.ID() {
		delete(r.byTerminal, s.TerminalID())
	}
}
