package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tillstream/tillstream/pkg/realtime/event"
)

type memoryRecord struct {
	evt       event.Event
	expiresAt time.Time
}

type memoryIndexEntry struct {
	id        string
	createdAt time.Time
}

type memoryGhost struct {
	ghost     GhostSession
	expiresAt time.Time
}

// MemoryStore keeps events in process memory. Used for tests and
// single-node development; it honors the same TTL and index semantics as
// the Redis store.
type MemoryStore struct {
	mu      sync.RWMutex
	events  map[string]memoryRecord
	indexes map[string][]memoryIndexEntry
	ghosts  map[string]memoryGhost
	now     func() time.Time
}

// NewMemoryStore creates an in-memory durable event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  make(map[string]memoryRecord),
		indexes: make(map[string][]memoryIndexEntry),
		ghosts:  make(map[string]memoryGhost),
		now:     time.Now,
	}
}

// Put stores a copy of the event with the given TTL.
func (s *MemoryStore) Put(_ context.Context, evt *event.Event, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[evt.ID] = memoryRecord{
		evt:       *evt,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Get returns the event or ErrNotFound once expired.
func (s *MemoryStore) Get(_ context.Context, eventID string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.events[eventID]
	if !ok || s.now().After(rec.expiresAt) {
		return nil, ErrNotFound
	}
	out := rec.evt
	return &out, nil
}

// GetMany returns bodies aligned to the input ids, nil for absent entries.
func (s *MemoryStore) GetMany(_ context.Context, eventIDs []string) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*event.Event, len(eventIDs))
	for i, id := range eventIDs {
		if rec, ok := s.events[id]; ok && !s.now().After(rec.expiresAt) {
			evt := rec.evt
			out[i] = &evt
		}
	}
	return out, nil
}

// MarkAcked flips the acked flag, keeping the record's expiry.
func (s *MemoryStore) MarkAcked(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[eventID]
	if !ok || s.now().After(rec.expiresAt) {
		return ErrNotFound
	}
	rec.evt.Acked = true
	s.events[eventID] = rec
	return nil
}

// AppendTenantIndex inserts the event into the tenant's ordered index.
func (s *MemoryStore) AppendTenantIndex(_ context.Context, tenantID, eventID string, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append(s.indexes[tenantID], memoryIndexEntry{id: eventID, createdAt: createdAt})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].createdAt.Before(entries[j].createdAt)
	})
	s.indexes[tenantID] = entries
	return nil
}

// RangeTenantIndex returns up to limit ids strictly after fromExclusive.
func (s *MemoryStore) RangeTenantIndex(_ context.Context, tenantID string, fromExclusive time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, limit)
	for _, entry := range s.indexes[tenantID] {
		if !entry.createdAt.After(fromExclusive) {
			continue
		}
		out = append(out, entry.id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// TrimTenantIndex drops index entries older than before.
func (s *MemoryStore) TrimTenantIndex(_ context.Context, tenantID string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.indexes[tenantID]
	kept := entries[:0]
	var removed int64
	for _, entry := range entries {
		if entry.createdAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	if len(kept) == 0 {
		delete(s.indexes, tenantID)
	} else {
		s.indexes[tenantID] = kept
	}
	return removed, nil
}

// IndexedTenants lists tenants that currently have index entries.
func (s *MemoryStore) IndexedTenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.indexes))
	for tenant := range s.indexes {
		out = append(out, tenant)
	}
	return out, nil
}

// PutGhost stores a session snapshot for the grace period.
func (s *MemoryStore) PutGhost(_ context.Context, ghost *GhostSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ghosts[ghost.TerminalID] = memoryGhost{
		ghost:     *ghost,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// GetGhost returns the snapshot for a terminal or ErrNotFound.
func (s *MemoryStore) GetGhost(_ context.Context, terminalID string) (*GhostSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ghosts[terminalID]
	if !ok || s.now().After(rec.expiresAt) {
		return nil, ErrNotFound
	}
	out := rec.ghost
	return &out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
