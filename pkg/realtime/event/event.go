// Package event defines the unit of delivery pushed to POS terminals.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority orders events by importance. Lower ordinal means more important.
type Priority int

// Priority tiers. Critical and High are reliable (persisted, acked,
// retried); Normal and Low are best-effort fire-and-forget.
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Reliable reports whether events of this priority are persisted, ack
// tracked and retried.
func (p Priority) Reliable() bool {
	return p <= PriorityHigh
}

// Valid reports whether p is a known tier.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a wire string into a Priority.
func ParsePriority(value string) (Priority, bool) {
	switch value {
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "normal":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	default:
		return PriorityNormal, false
	}
}

// Type names a business event. The set is closed: collaborators publish one
// of these, never free-form strings.
type Type string

const (
	TypeOrderCreated    Type = "order.created"
	TypeOrderUpdated    Type = "order.updated"
	TypeOrderCompleted  Type = "order.completed"
	TypeOrderCancelled  Type = "order.cancelled"
	TypePaymentReceived Type = "payment.received"
	TypeStockLow        Type = "stock.low"
	TypeStockOut        Type = "stock.out"
	TypePriceChanged    Type = "price.changed"
	TypeCustomerUpdated Type = "customer.updated"

	// Presence events emitted by the connection registry.
	TypeTerminalConnected Type = "terminal.connected"
	TypeTerminalOffline   Type = "terminal.offline"
)

// ParseType validates a wire string against the closed type set.
func ParseType(value string) (Type, bool) {
	switch Type(value) {
	case TypeOrderCreated, TypeOrderUpdated, TypeOrderCompleted, TypeOrderCancelled,
		TypePaymentReceived, TypeStockLow, TypeStockOut, TypePriceChanged,
		TypeCustomerUpdated, TypeTerminalConnected, TypeTerminalOffline:
		return Type(value), true
	default:
		return "", false
	}
}

// Event is the delivery unit. ID is immutable and is the sole key used for
// deduplication, acking and replay cursors.
type Event struct {
	ID       string `json:"id"`
	Type     Type   `json:"type"`
	TenantID string `json:"tenant_id"`
	// TargetSessionIDs unicasts the event; empty means tenant-wide
	// broadcast.
	TargetSessionIDs []string `json:"target_session_ids,omitempty"`
	// TargetTerminalIDs is stamped for persisted unicast events so replay
	// can route them after the target reconnects with a fresh session id.
	TargetTerminalIDs []string        `json:"target_terminal_ids,omitempty"`
	Payload           json.RawMessage `json:"payload"`
	Priority          Priority        `json:"priority"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	Acked             bool            `json:"acked,omitempty"`
	RetryCount        int             `json:"retry_count,omitempty"`
	MaxRetries        int             `json:"max_retries,omitempty"`
}

// New creates an event with a fresh id and retention-derived expiry.
func New(tenantID string, typ Type, payload json.RawMessage, priority Priority, retention time.Duration) *Event {
	now := time.Now().UTC()
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TenantID:  tenantID,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: now,
		ExpiresAt: now.Add(retention),
	}
}

// TargetsTerminal reports whether a persisted unicast event belongs on the
// given terminal. Broadcast events target every terminal.
func (e *Event) TargetsTerminal(terminalID string) bool {
	if len(e.TargetTerminalIDs) == 0 {
		return true
	}
	for _, id := range e.TargetTerminalIDs {
		if id == terminalID {
			return true
		}
	}
	return false
}
