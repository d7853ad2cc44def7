package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tillstream/tillstream/pkg/realtime/event"
)

func newTestEvent(tenantID string, createdAt time.Time) *event.Event {
	evt := event.New(tenantID, event.TypeOrderCreated, json.RawMessage(`{"n":1}`), event.PriorityHigh, time.Hour)
	evt.CreatedAt = createdAt
	evt.ExpiresAt = createdAt.Add(time.Hour)
	return evt
}

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	evt := newTestEvent("tenant-1", time.Now().UTC())

	if err := s.Put(ctx, evt, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, evt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != evt.ID || got.TenantID != evt.TenantID {
		t.Errorf("stored event mismatch: got %+v", got)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	evt := newTestEvent("tenant-1", base)
	if err := s.Put(ctx, evt, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := s.Get(ctx, evt.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired event to be gone, got %v", err)
	}
	if err := s.MarkAcked(ctx, evt.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ack on expired event to fail, got %v", err)
	}
}

func TestMemoryStoreGetManyAlignment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := newTestEvent("tenant-1", time.Now().UTC())
	third := newTestEvent("tenant-1", time.Now().UTC())
	if err := s.Put(ctx, first, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, third, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetMany(ctx, []string{first.ID, "missing", third.ID})
	if err != nil {
		t.Fatalf("getMany: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 aligned results, got %d", len(got))
	}
	if got[0] == nil || got[0].ID != first.ID {
		t.Error("first slot misaligned")
	}
	if got[1] != nil {
		t.Error("missing id must yield a nil slot")
	}
	if got[2] == nil || got[2].ID != third.ID {
		t.Error("third slot misaligned")
	}
}

func TestMemoryStoreMarkAcked(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	evt := newTestEvent("tenant-1", time.Now().UTC())

	if err := s.Put(ctx, evt, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.MarkAcked(ctx, evt.ID); err != nil {
		t.Fatalf("markAcked: %v", err)
	}

	got, err := s.Get(ctx, evt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Acked {
		t.Error("expected acked flag to be set")
	}
}

func TestMemoryStoreTenantIndexRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	ids := []string{"a", "b", "c", "d"}
	for i, id := range ids {
		if err := s.AppendTenantIndex(ctx, "tenant-1", id, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	t.Run("zero cursor reads everything", func(t *testing.T) {
		got, err := s.RangeTenantIndex(ctx, "tenant-1", time.Time{}, 10)
		if err != nil {
			t.Fatalf("range: %v", err)
		}
		if len(got) != 4 || got[0] != "a" || got[3] != "d" {
			t.Errorf("unexpected range %v", got)
		}
	})

	t.Run("cursor is exclusive", func(t *testing.T) {
		got, err := s.RangeTenantIndex(ctx, "tenant-1", base.Add(time.Second), 10)
		if err != nil {
			t.Fatalf("range: %v", err)
		}
		if len(got) != 2 || got[0] != "c" {
			t.Errorf("expected entries strictly after cursor, got %v", got)
		}
	})

	t.Run("limit bounds the batch", func(t *testing.T) {
		got, err := s.RangeTenantIndex(ctx, "tenant-1", time.Time{}, 2)
		if err != nil {
			t.Fatalf("range: %v", err)
		}
		if len(got) != 2 || got[1] != "b" {
			t.Errorf("expected first two entries, got %v", got)
		}
	})

	t.Run("other tenants are invisible", func(t *testing.T) {
		got, err := s.RangeTenantIndex(ctx, "tenant-2", time.Time{}, 10)
		if err != nil {
			t.Fatalf("range: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected empty range for foreign tenant, got %v", got)
		}
	})
}

func TestMemoryStoreTrimTenantIndex(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		if err := s.AppendTenantIndex(ctx, "tenant-1", id, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	removed, err := s.TrimTenantIndex(ctx, "tenant-1", base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed entries, got %d", removed)
	}

	got, err := s.RangeTenantIndex(ctx, "tenant-1", time.Time{}, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 1 || got[0] != "c" {
		t.Errorf("expected only the newest entry to survive, got %v", got)
	}
}

func TestMemoryStoreGhost(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	ghost := &GhostSession{
		TerminalID:       "till-1",
		TenantID:         "tenant-1",
		LastAckedEventID: "evt-9",
		DisconnectedAt:   base,
	}
	if err := s.PutGhost(ctx, ghost, time.Minute); err != nil {
		t.Fatalf("putGhost: %v", err)
	}

	got, err := s.GetGhost(ctx, "till-1")
	if err != nil {
		t.Fatalf("getGhost: %v", err)
	}
	if got.LastAckedEventID != "evt-9" {
		t.Errorf("unexpected ghost cursor %q", got.LastAckedEventID)
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := s.GetGhost(ctx, "till-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired ghost to be gone, got %v", err)
	}
}

func TestTrimmerSweep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	if err := s.AppendTenantIndex(ctx, "tenant-1", "stale", old); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendTenantIndex(ctx, "tenant-1", "fresh", time.Now().UTC()); err != nil {
		t.Fatalf("append: %v", err)
	}

	trimmer := NewTrimmer(s, nil, time.Minute, time.Hour)
	trimmer.Observe("tenant-1")
	trimmer.sweep(ctx)

	got, err := s.RangeTenantIndex(ctx, "tenant-1", time.Time{}, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 1 || got[0] != "fresh" {
		t.Errorf("expected sweep to drop entries older than retention, got %v", got)
	}
}

func TestTrimmerSweepsUnobservedTenants(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Index entries written by a previous process incarnation: no
	// publish has observed this tenant since startup.
	old := time.Now().UTC().Add(-2 * time.Hour)
	if err := s.AppendTenantIndex(ctx, "tenant-idle", "stale", old); err != nil {
		t.Fatalf("append: %v", err)
	}

	trimmer := NewTrimmer(s, nil, time.Minute, time.Hour)
	trimmer.sweep(ctx)

	got, err := s.RangeTenantIndex(ctx, "tenant-idle", time.Time{}, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected the idle tenant's index to be swept, got %v", got)
	}
}

func TestMemoryStoreIndexedTenants(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now().UTC()
	for _, tenant := range []string{"tenant-1", "tenant-2"} {
		if err := s.AppendTenantIndex(ctx, tenant, "evt-"+tenant, now); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tenants, err := s.IndexedTenants(ctx)
	if err != nil {
		t.Fatalf("indexed tenants: %v", err)
	}
	if len(tenants) != 2 {
		t.Errorf("expected 2 tenants, got %v", tenants)
	}
}
