package replay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tillstream/tillstream/pkg/auth"
	"github.com/tillstream/tillstream/pkg/realtime/event"
	"github.com/tillstream/tillstream/pkg/realtime/registry"
	"github.com/tillstream/tillstream/pkg/realtime/retry"
	"github.com/tillstream/tillstream/pkg/realtime/store"
	"github.com/tillstream/tillstream/pkg/testutil"
)

type fixture struct {
	store *store.MemoryStore
	sched *retry.Scheduler
	sess  *registry.Session
	conn  *testutil.CaptureConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	reg := registry.NewRegistry(nil, 0)
	sched := retry.NewScheduler(retry.Config{AckTimeout: time.Hour}, st, reg, nil)
	t.Cleanup(sched.Close)

	conn := testutil.NewCaptureConn()
	sess := registry.NewSession("till-1", auth.Identity{TenantID: "tenant-1", UserID: "user-1"}, conn)
	if err := reg.Register(sess); err != nil {
		t.Fatalf("register: %v", err)
	}

	return &fixture{store: st, sched: sched, sess: sess, conn: conn}
}

// seed persists an event at the given offset from base and indexes it.
func (f *fixture) seed(t *testing.T, base time.Time, offset time.Duration, typ event.Type, priority event.Priority) *event.Event {
	t.Helper()

	evt := event.New("tenant-1", typ, json.RawMessage(`{}`), priority, time.Hour)
	evt.CreatedAt = base.Add(offset)
	evt.ExpiresAt = evt.CreatedAt.Add(time.Hour)
	evt.MaxRetries = 3

	ctx := context.Background()
	if err := f.store.Put(ctx, evt, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := f.store.AppendTenantIndex(ctx, evt.TenantID, evt.ID, evt.CreatedAt); err != nil {
		t.Fatalf("append: %v", err)
	}
	return evt
}

func (f *fixture) receiveSync(t *testing.T) event.SyncEnvelope {
	t.Helper()
	select {
	case frame := <-f.conn.Frames:
		sync, ok := frame.(event.SyncEnvelope)
		if !ok {
			t.Fatalf("unexpected frame type %T", frame)
		}
		return sync
	case <-time.After(2 * time.Second):
		t.Fatal("sync envelope never arrived")
		return event.SyncEnvelope{}
	}
}

func TestReplayEmptyCursorIsNoop(t *testing.T) {
	f := newFixture(t)
	engine := New(Config{}, f.store, f.sched, nil)

	if err := engine.Replay(context.Background(), f.sess, "", nil); err != nil {
		t.Fatalf("replay: %v", err)
	}
	select {
	case frame := <-f.conn.Frames:
		t.Errorf("first-ever connection must not receive a sync batch, got %+v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReplayFromCursor(t *testing.T) {
	f := newFixture(t)
	base := time.Now().UTC().Add(-time.Minute)

	first := f.seed(t, base, 0, event.TypeOrderCreated, event.PriorityCritical)
	second := f.seed(t, base, time.Second, event.TypeOrderUpdated, event.PriorityHigh)
	third := f.seed(t, base, 2*time.Second, event.TypeOrderCompleted, event.PriorityCritical)

	engine := New(Config{BatchSize: 10}, f.store, f.sched, nil)
	if err := engine.Replay(context.Background(), f.sess, first.ID, nil); err != nil {
		t.Fatalf("replay: %v", err)
	}

	sync := f.receiveSync(t)
	if len(sync.Events) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(sync.Events))
	}
	if sync.Events[0].ID != second.ID || sync.Events[1].ID != third.ID {
		t.Errorf("events out of order: %v", sync.Events)
	}
	if sync.HasMore {
		t.Error("expected the batch to be final")
	}
	if sync.FromEventID != third.ID {
		t.Errorf("expected next cursor %q, got %q", third.ID, sync.FromEventID)
	}

	// Reliable replayed events are re-armed against the new session.
	if !f.sess.HasPending(second.ID) || !f.sess.HasPending(third.ID) {
		t.Error("expected replayed reliable events to be pending again")
	}
	if !f.sched.Pending(f.sess.ID(), third.ID) {
		t.Error("expected replayed reliable events to be tracked")
	}
}

func TestReplayHasMore(t *testing.T) {
	f := newFixture(t)
	base := time.Now().UTC().Add(-time.Minute)

	first := f.seed(t, base, 0, event.TypeOrderCreated, event.PriorityHigh)
	second := f.seed(t, base, time.Second, event.TypeOrderUpdated, event.PriorityHigh)
	f.seed(t, base, 2*time.Second, event.TypeOrderCompleted, event.PriorityHigh)

	engine := New(Config{BatchSize: 1}, f.store, f.sched, nil)
	if err := engine.Replay(context.Background(), f.sess, first.ID, nil); err != nil {
		t.Fatalf("replay: %v", err)
	}

	sync := f.receiveSync(t)
	if len(sync.Events) != 1 || sync.Events[0].ID != second.ID {
		t.Fatalf("unexpected batch %v", sync.Events)
	}
	if !sync.HasMore {
		t.Error("expected a follow-up batch to be signalled")
	}
	if sync.FromEventID != second.ID {
		t.Errorf("expected continuation cursor %q, got %q", second.ID, sync.FromEventID)
	}
}

func TestReplayExpiredCursorReplaysEverything(t *testing.T) {
	f := newFixture(t)
	base := time.Now().UTC().Add(-time.Minute)

	first := f.seed(t, base, 0, event.TypeOrderCreated, event.PriorityHigh)
	second := f.seed(t, base, time.Second, event.TypeOrderUpdated, event.PriorityHigh)

	engine := New(Config{BatchSize: 10}, f.store, f.sched, nil)
	if err := engine.Replay(context.Background(), f.sess, "expired-cursor-id", nil); err != nil {
		t.Fatalf("replay: %v", err)
	}

	sync := f.receiveSync(t)
	if len(sync.Events) != 2 || sync.Events[0].ID != first.ID || sync.Events[1].ID != second.ID {
		t.Errorf("expected full retained log on expired cursor, got %v", sync.Events)
	}
}

func TestReplayTypeFilter(t *testing.T) {
	f := newFixture(t)
	base := time.Now().UTC().Add(-time.Minute)

	cursor := f.seed(t, base, 0, event.TypeOrderCreated, event.PriorityHigh)
	f.seed(t, base, time.Second, event.TypeStockLow, event.PriorityHigh)
	wanted := f.seed(t, base, 2*time.Second, event.TypePaymentReceived, event.PriorityHigh)

	engine := New(Config{BatchSize: 10}, f.store, f.sched, nil)
	if err := engine.Replay(context.Background(), f.sess, cursor.ID, []string{"payment.received"}); err != nil {
		t.Fatalf("replay: %v", err)
	}

	sync := f.receiveSync(t)
	if len(sync.Events) != 1 || sync.Events[0].ID != wanted.ID {
		t.Errorf("expected only the filtered type, got %v", sync.Events)
	}
}

func TestReplaySkipsForeignUnicast(t *testing.T) {
	f := newFixture(t)
	base := time.Now().UTC().Add(-time.Minute)

	cursor := f.seed(t, base, 0, event.TypeOrderCreated, event.PriorityHigh)
	foreign := f.seed(t, base, time.Second, event.TypeOrderUpdated, event.PriorityHigh)
	foreign.TargetTerminalIDs = []string{"till-other"}
	if err := f.store.Put(context.Background(), foreign, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	mine := f.seed(t, base, 2*time.Second, event.TypeOrderCompleted, event.PriorityHigh)
	mine.TargetTerminalIDs = []string{"till-1"}
	if err := f.store.Put(context.Background(), mine, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	engine := New(Config{BatchSize: 10}, f.store, f.sched, nil)
	if err := engine.Replay(context.Background(), f.sess, cursor.ID, nil); err != nil {
		t.Fatalf("replay: %v", err)
	}

	sync := f.receiveSync(t)
	if len(sync.Events) != 1 || sync.Events[0].ID != mine.ID {
		t.Errorf("expected only this terminal's unicast event, got %v", sync.Events)
	}
}

func TestReplayAdvancesCursorPastFilteredBatch(t *testing.T) {
	f := newFixture(t)
	base := time.Now().UTC().Add(-time.Minute)

	cursor := f.seed(t, base, 0, event.TypeOrderCreated, event.PriorityHigh)
	var lastForeign *event.Event
	for _, offset := range []time.Duration{time.Second, 2 * time.Second} {
		foreign := f.seed(t, base, offset, event.TypeOrderUpdated, event.PriorityHigh)
		foreign.TargetTerminalIDs = []string{"till-other"}
		if err := f.store.Put(context.Background(), foreign, time.Hour); err != nil {
			t.Fatalf("put: %v", err)
		}
		lastForeign = foreign
	}
	broadcast := f.seed(t, base, 3*time.Second, event.TypeOrderCompleted, event.PriorityHigh)

	engine := New(Config{BatchSize: 2}, f.store, f.sched, nil)
	if err := engine.Replay(context.Background(), f.sess, cursor.ID, nil); err != nil {
		t.Fatalf("replay: %v", err)
	}

	// The whole window was unicast to another terminal, but the
	// continuation cursor still has to move so the follow-up request
	// reaches the broadcast behind it.
	sync := f.receiveSync(t)
	if len(sync.Events) != 0 {
		t.Fatalf("expected a fully filtered batch, got %v", sync.Events)
	}
	if !sync.HasMore {
		t.Error("expected a follow-up batch to be signalled")
	}
	if sync.FromEventID != lastForeign.ID {
		t.Fatalf("expected cursor to advance to %q, got %q", lastForeign.ID, sync.FromEventID)
	}

	if err := engine.Replay(context.Background(), f.sess, sync.FromEventID, nil); err != nil {
		t.Fatalf("replay: %v", err)
	}
	next := f.receiveSync(t)
	if len(next.Events) != 1 || next.Events[0].ID != broadcast.ID {
		t.Fatalf("expected the broadcast after the filtered window, got %v", next.Events)
	}
	if next.HasMore {
		t.Error("expected the log to be drained")
	}
}

func TestReplayEmptyBatchKeepsRequestCursor(t *testing.T) {
	f := newFixture(t)
	base := time.Now().UTC().Add(-time.Minute)
	only := f.seed(t, base, 0, event.TypeOrderCreated, event.PriorityHigh)

	engine := New(Config{BatchSize: 10}, f.store, f.sched, nil)
	if err := engine.Replay(context.Background(), f.sess, only.ID, nil); err != nil {
		t.Fatalf("replay: %v", err)
	}

	sync := f.receiveSync(t)
	if len(sync.Events) != 0 {
		t.Fatalf("expected empty batch, got %v", sync.Events)
	}
	if sync.FromEventID != only.ID {
		t.Errorf("empty batch must echo the request cursor, got %q", sync.FromEventID)
	}
	if sync.HasMore {
		t.Error("expected no follow-up batch")
	}
}
