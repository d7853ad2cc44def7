package retry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tillstream/tillstream/pkg/auth"
	"github.com/tillstream/tillstream/pkg/realtime/event"
	"github.com/tillstream/tillstream/pkg/realtime/registry"
	"github.com/tillstream/tillstream/pkg/realtime/store"
	"github.com/tillstream/tillstream/pkg/testutil"
)

type fixture struct {
	store *store.MemoryStore
	reg   *registry.Registry
	sched *Scheduler
	sess  *registry.Session
	conn  *testutil.CaptureConn
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	reg := registry.NewRegistry(nil, 0)
	sched := NewScheduler(cfg, st, reg, nil)
	t.Cleanup(sched.Close)

	conn := testutil.NewCaptureConn()
	sess := registry.NewSession("till-1", auth.Identity{TenantID: "tenant-1", UserID: "user-1"}, conn)
	if err := reg.Register(sess); err != nil {
		t.Fatalf("register: %v", err)
	}

	return &fixture{store: st, reg: reg, sched: sched, sess: sess, conn: conn}
}

func trackEvent(t *testing.T, f *fixture, maxRetries int) *event.Event {
	t.Helper()

	evt := event.New("tenant-1", event.TypeOrderCreated, json.RawMessage(`{"n":1}`), event.PriorityCritical, time.Hour)
	evt.MaxRetries = maxRetries
	if err := f.store.Put(context.Background(), evt, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	f.sess.AddPending(evt.ID)
	f.sched.Track(f.sess, event.NewEnvelope(evt), evt.CreatedAt, maxRetries)
	return evt
}

func TestAckBeforeTimeout(t *testing.T) {
	f := newFixture(t, Config{AckTimeout: 50 * time.Millisecond})
	evt := trackEvent(t, f, 3)

	f.sched.Ack(context.Background(), f.sess.ID(), evt.ID)

	if f.sched.Pending(f.sess.ID(), evt.ID) {
		t.Error("expected tracking entry to be settled")
	}
	if f.sess.HasPending(evt.ID) {
		t.Error("expected pending entry to be cleared")
	}

	id, _ := f.sess.LastAcked()
	if id != evt.ID {
		t.Errorf("expected cursor to advance to %q, got %q", evt.ID, id)
	}

	stored, err := f.store.Get(context.Background(), evt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Acked {
		t.Error("expected stored event to be marked acked")
	}

	select {
	case frame := <-f.conn.Frames:
		t.Errorf("expected no retry after ack, got %+v", frame)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRetriesUntilExhausted(t *testing.T) {
	f := newFixture(t, Config{AckTimeout: 20 * time.Millisecond})
	evt := trackEvent(t, f, 2)

	for want := 1; want <= 2; want++ {
		select {
		case frame := <-f.conn.Frames:
			env, ok := frame.(event.Envelope)
			if !ok {
				t.Fatalf("unexpected frame type %T", frame)
			}
			if !env.IsRetry || env.RetryCount != want {
				t.Errorf("retry %d: got isRetry=%v retryCount=%d", want, env.IsRetry, env.RetryCount)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("retry %d never arrived", want)
		}
	}

	// Budget spent: one more timeout abandons the delivery.
	select {
	case frame := <-f.conn.Frames:
		t.Errorf("expected no delivery after exhaustion, got %+v", frame)
	case <-time.After(200 * time.Millisecond):
	}
	if f.sess.HasPending(evt.ID) {
		t.Error("expected exhausted delivery to clear the pending entry")
	}
	if f.sched.Pending(f.sess.ID(), evt.ID) {
		t.Error("expected exhausted delivery to drop the tracking entry")
	}
}

func TestDropSessionCancelsTimers(t *testing.T) {
	f := newFixture(t, Config{AckTimeout: 20 * time.Millisecond})
	evt := trackEvent(t, f, 5)

	f.sched.DropSession(f.sess.ID())

	if f.sched.Pending(f.sess.ID(), evt.ID) {
		t.Error("expected DropSession to remove the tracking entry")
	}
	select {
	case frame := <-f.conn.Frames:
		t.Errorf("expected no retry after DropSession, got %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimeoutAbandonsGoneSession(t *testing.T) {
	f := newFixture(t, Config{AckTimeout: 20 * time.Millisecond})
	evt := trackEvent(t, f, 5)

	// Session disappears but its timer still fires.
	f.reg.Unregister(f.sess.ID())

	deadline := time.After(2 * time.Second)
	for f.sched.Pending(f.sess.ID(), evt.ID) {
		select {
		case <-deadline:
			t.Fatal("tracking entry never abandoned")
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case frame := <-f.conn.Frames:
		t.Errorf("retries must not chase a gone session, got %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRetrySendFailureUnregistersSession(t *testing.T) {
	f := newFixture(t, Config{AckTimeout: 20 * time.Millisecond})
	trackEvent(t, f, 5)

	f.conn.FailWrites()

	deadline := time.After(2 * time.Second)
	for f.reg.Get(f.sess.ID()) != nil {
		select {
		case <-deadline:
			t.Fatal("session never unregistered after send failure")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLateAckStillAppliesCursor(t *testing.T) {
	f := newFixture(t, Config{AckTimeout: time.Hour})

	// An ack for an event never tracked on this instance, body known to
	// the store (delivered before a crash, for example).
	evt := event.New("tenant-1", event.TypeOrderUpdated, nil, event.PriorityHigh, time.Hour)
	if err := f.store.Put(context.Background(), evt, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	f.sched.Ack(context.Background(), f.sess.ID(), evt.ID)

	id, _ := f.sess.LastAcked()
	if id != evt.ID {
		t.Errorf("expected untracked ack to advance the cursor, got %q", id)
	}
}
