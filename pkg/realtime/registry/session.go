package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tillstream/tillstream/pkg/auth"
)

// Status is the soft presence state of a session, independent of the
// connection state.
type Status string

const (
	StatusOnline Status = "online"
	StatusAway   Status = "away"
	StatusBusy   Status = "busy"
)

// ParseStatus converts a wire string into a Status.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusOnline, StatusAway, StatusBusy:
		return Status(value), true
	default:
		return StatusOnline, false
	}
}

// Conn is the transport connection owned by a session. Implementations
// must serialize concurrent writes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Session is one live terminal connection. The session id is ephemeral
// and changes on every reconnect; the terminal id is stable.
type Session struct {
	id         string
	terminalID string
	identity   auth.Identity
	conn       Conn
	createdAt  time.Time

	mu          sync.Mutex
	status      Status
	pending     map[string]struct{}
	lastAckedID string
	lastAckedAt time.Time
}

// NewSession creates a session for an authenticated terminal connection.
func NewSession(terminalID string, identity auth.Identity, conn Conn) *Session {
	return &Session{
		id:         uuid.NewString(),
		terminalID: terminalID,
		identity:   identity,
		conn:       conn,
		createdAt:  time.Now().UTC(),
		status:     StatusOnline,
		pending:    make(map[string]struct{}),
	}
}

// ID returns the ephemeral session id.
func (s *Session) ID() string { return s.id }

// TerminalID returns the stable logical device id.
func (s *Session) TerminalID() string { return s.terminalID }

// TenantID returns the owning tenant.
func (s *Session) TenantID() string { return s.identity.TenantID }

// UserID returns the authenticated user id.
func (s *Session) UserID() string { return s.identity.UserID }

// DisplayName returns the authenticated display name.
func (s *Session) DisplayName() string { return s.identity.DisplayName }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Status returns the current presence state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus updates the presence state.
func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Send writes one JSON frame to the terminal.
func (s *Session) Send(v any) error {
	return s.conn.WriteJSON(v)
}

// CloseConn force-closes the transport connection.
func (s *Session) CloseConn() error {
	return s.conn.Close()
}

// AddPending marks an event as delivered-but-not-yet-acked.
func (s *Session) AddPending(eventID string) {
	s.mu.Lock()
	s.pending[eventID] = struct{}{}
	s.mu.Unlock()
}

// RemovePending clears a pending ack entry, reporting whether it existed.
func (s *Session) RemovePending(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[eventID]; !ok {
		return false
	}
	delete(s.pending, eventID)
	return true
}

// HasPending reports whether the event still awaits an ack.
func (s *Session) HasPending(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[eventID]
	return ok
}

// PendingCount returns how many deliveries await acks.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// AdvanceCursor moves the replay cursor forward when this ack is the
// newest seen, reporting whether it advanced.
func (s *Session) AdvanceCursor(eventID string, createdAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !createdAt.After(s.lastAckedAt) {
		return false
	}
	s.lastAckedID = eventID
	s.lastAckedAt = createdAt
	return true
}

// LastAcked returns the replay cursor used on the next reconnect.
func (s *Session) LastAcked() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAckedID, s.lastAckedAt
}
