// Package store provides the durable event store: event bodies with TTL
// plus a per-tenant time-ordered index used for replay range queries.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tillstream/tillstream/pkg/realtime/event"
)

// ErrNotFound indicates the requested record is absent or already expired.
var ErrNotFound = errors.New("store: not found")

// GhostSession is a short-lived snapshot of a closed session, retained for
// a grace period so a reconnecting terminal can recover its replay cursor.
// The authoritative session object stays with the connection registry.
type GhostSession struct {
	TerminalID       string    `json:"terminal_id"`
	TenantID         string    `json:"tenant_id"`
	UserID           string    `json:"user_id"`
	DisplayName      string    `json:"display_name"`
	LastAckedEventID string    `json:"last_acked_event_id"`
	Status           string    `json:"status"`
	DisconnectedAt   time.Time `json:"disconnected_at"`
}

// Store is the key/value + ordered index abstraction over the shared
// external store. Events are immutable once written; only the acked flag
// and index trimming mutate existing records, both idempotently.
type Store interface {
	// Put is an idempotent upsert of the event body with the given TTL.
	Put(ctx context.Context, evt *event.Event, ttl time.Duration) error

	// Get returns the event body or ErrNotFound.
	Get(ctx context.Context, eventID string) (*event.Event, error)

	// GetMany returns bodies aligned to the input ids. Absent entries are
	// nil, never silently dropped, so callers can detect store-side expiry.
	GetMany(ctx context.Context, eventIDs []string) ([]*event.Event, error)

	// MarkAcked sets the acked flag on a stored event, keeping its TTL.
	MarkAcked(ctx context.Context, eventID string) error

	// AppendTenantIndex records the event in the tenant's time-ordered
	// index.
	AppendTenantIndex(ctx context.Context, tenantID, eventID string, createdAt time.Time) error

	// RangeTenantIndex returns up to limit event ids strictly after
	// fromExclusive, oldest first. A zero fromExclusive reads from the
	// oldest retained entry.
	RangeTenantIndex(ctx context.Context, tenantID string, fromExclusive time.Time, limit int) ([]string, error)

	// TrimTenantIndex removes index entries older than before and returns
	// how many were removed. Run periodically, not on the publish path.
	TrimTenantIndex(ctx context.Context, tenantID string, before time.Time) (int64, error)

	// IndexedTenants lists tenants that currently have index entries,
	// including ones written by earlier process incarnations.
	IndexedTenants(ctx context.Context) ([]string, error)

	// PutGhost stores a session snapshot for the grace period.
	PutGhost(ctx context.Context, ghost *GhostSession, ttl time.Duration) error

	// GetGhost returns the snapshot for a terminal or ErrNotFound.
	GetGhost(ctx context.Context, terminalID string) (*GhostSession, error)

	Close() error
}
