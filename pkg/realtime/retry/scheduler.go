// Package retry tracks unacknowledged reliable deliveries per session and
// re-sends them on a fixed interval until acked, exhausted, or the session
// drops.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/tillstream/tillstream/pkg/observability/logger"
	"github.com/tillstream/tillstream/pkg/observability/metrics"
	"github.com/tillstream/tillstream/pkg/realtime/event"
	"github.com/tillstream/tillstream/pkg/realtime/registry"
	"github.com/tillstream/tillstream/pkg/realtime/store"
)

// Config controls retry timing. Backoff is fixed-interval: the ack timeout
// window is short and reliable events are low-volume. Jitter spreads retry
// storms across sessions that missed the same broadcast.
type Config struct {
	AckTimeout time.Duration
	Jitter     time.Duration
}

func (c *Config) normalize() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
}

type trackKey struct {
	sessionID string
	eventID   string
}

type tracking struct {
	timer      *time.Timer
	envelope   event.Envelope
	createdAt  time.Time
	retryCount int
	maxRetries int
}

// Scheduler owns one timer per (session, event) pair. It only observes and
// reacts: it never creates or destroys events or sessions, and retries only
// target the specific still-open connection they were armed against.
type Scheduler struct {
	cfg   Config
	log   logger.Logger
	store store.Store
	reg   *registry.Registry
	mets  *metrics.Registry

	mu      sync.Mutex
	entries map[trackKey]*tracking
	closed  bool
}

// NewScheduler creates an ack/retry scheduler.
func NewScheduler(cfg Config, st store.Store, reg *registry.Registry, log logger.Logger) *Scheduler {
	cfg.normalize()
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		cfg:     cfg,
		log:     log,
		store:   st,
		reg:     reg,
		entries: make(map[trackKey]*tracking),
	}
}

// WithMetrics attaches delivery metrics. Optional.
func (s *Scheduler) WithMetrics(m *metrics.Registry) *Scheduler {
	s.mets = m
	return s
}

// Track arms ack tracking for a reliable delivery. Re-tracking the same
// (session, event) pair resets its timer and retry count.
func (s *Scheduler) Track(sess *registry.Session, env event.Envelope, createdAt time.Time, maxRetries int) {
	key := trackKey{sessionID: sess.ID(), eventID: env.ID}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if prev, ok := s.entries[key]; ok {
		prev.timer.Stop()
	}
	entry := &tracking{
		envelope:   env,
		createdAt:  createdAt,
		maxRetries: maxRetries,
	}
	entry.timer = time.AfterFunc(s.interval(), func() { s.onTimeout(key) })
	s.entries[key] = entry
	s.mu.Unlock()
}

// Ack settles a delivery: the timer is cancelled, the session's pending set
// and cursor are updated, and the stored event is marked acked best-effort.
// A ack with no live tracking entry (late ack, replay duplicate) is still
// applied to the session and store.
func (s *Scheduler) Ack(ctx context.Context, sessionID, eventID string) {
	key := trackKey{sessionID: sessionID, eventID: eventID}

	s.mu.Lock()
	entry, tracked := s.entries[key]
	if tracked {
		entry.timer.Stop()
		delete(s.entries, key)
	}
	s.mu.Unlock()

	createdAt := time.Time{}
	if tracked {
		createdAt = entry.createdAt
	}

	if sess := s.reg.Get(sessionID); sess != nil {
		sess.RemovePending(eventID)
		if createdAt.IsZero() {
			if evt, err := s.store.Get(ctx, eventID); err == nil {
				createdAt = evt.CreatedAt
			}
		}
		if !createdAt.IsZero() {
			sess.AdvanceCursor(eventID, createdAt)
		}
	}

	if s.mets != nil {
		s.mets.EventsAcked.Inc()
	}

	// Marking the store is best-effort: a failure here must not block the
	// client-visible ack flow.
	if err := s.store.MarkAcked(ctx, eventID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("failed to mark event acked", "event_id", eventID, "error", err)
	}
}

// DropSession cancels all timers armed for a session. Purely an
// optimization: a timer that fires for a gone session abandons on its own.
func (s *Scheduler) DropSession(sessionID string) {
	s.mu.Lock()
	for key, entry := range s.entries {
		if key.sessionID == sessionID {
			entry.timer.Stop()
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
}

// Pending reports whether the pair is still tracked. Test hook.
func (s *Scheduler) Pending(sessionID, eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[trackKey{sessionID: sessionID, eventID: eventID}]
	return ok
}

// Close stops all timers. In-flight timer callbacks see closed and return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for key, entry := range s.entries {
		entry.timer.Stop()
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

func (s *Scheduler) onTimeout(key trackKey) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	entry, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}

	sess := s.reg.Get(key.sessionID)
	if sess == nil || !sess.HasPending(key.eventID) {
		// Session dropped or ack raced in. Retries never chase a
		// relocated session; reconnection goes through replay.
		delete(s.entries, key)
		s.mu.Unlock()
		return
	}

	if entry.retryCount >= entry.maxRetries {
		delete(s.entries, key)
		s.mu.Unlock()
		sess.RemovePending(key.eventID)
		if s.mets != nil {
			s.mets.DeliveryExhausted.Inc()
		}
		s.log.Warn("delivery exhausted, abandoning event",
			"session_id", key.sessionID,
			"event_id", key.eventID,
			"retries", entry.retryCount,
		)
		return
	}

	entry.retryCount++
	resend := entry.envelope
	resend.IsRetry = true
	resend.RetryCount = entry.retryCount
	entry.timer = time.AfterFunc(s.interval(), func() { s.onTimeout(key) })
	retryCount := entry.retryCount
	s.mu.Unlock()

	if err := sess.Send(resend); err != nil {
		// Send failure means the connection is effectively gone.
		s.log.Info("retry send failed, unregistering session",
			"session_id", key.sessionID,
			"event_id", key.eventID,
			"error", err,
		)
		s.DropSession(key.sessionID)
		s.reg.Unregister(key.sessionID)
		return
	}

	if s.mets != nil {
		s.mets.DeliveryRetries.Inc()
	}
	s.log.Debug("re-sent unacked event",
		"session_id", key.sessionID,
		"event_id", key.eventID,
		"retry_count", retryCount,
	)
}

func (s *Scheduler) interval() time.Duration {
	d := s.cfg.AckTimeout
	if s.cfg.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.cfg.Jitter)))
	}
	return d
}
