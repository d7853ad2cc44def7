// Package replay redelivers a tenant's reliable event log to a
// reconnecting terminal, resuming from its last acknowledged event.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tillstream/tillstream/pkg/observability/logger"
	"github.com/tillstream/tillstream/pkg/observability/metrics"
	"github.com/tillstream/tillstream/pkg/realtime/event"
	"github.com/tillstream/tillstream/pkg/realtime/registry"
	"github.com/tillstream/tillstream/pkg/realtime/retry"
	"github.com/tillstream/tillstream/pkg/realtime/store"
)

// Config controls replay batching.
type Config struct {
	BatchSize int
}

func (c *Config) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
}

// Engine reads the tenant event log from a cursor forward and redelivers
// it, re-arming reliability tracking against the new session.
type Engine struct {
	cfg   Config
	log   logger.Logger
	store store.Store
	sched *retry.Scheduler
	mets  *metrics.Registry
}

// New creates a replay engine.
func New(cfg Config, st store.Store, sched *retry.Scheduler, log logger.Logger) *Engine {
	cfg.normalize()
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		cfg:   cfg,
		log:   log,
		store: st,
		sched: sched,
	}
}

// WithMetrics attaches delivery metrics. Optional.
func (e *Engine) WithMetrics(m *metrics.Registry) *Engine {
	e.mets = m
	return e
}

// Replay delivers one sync batch to the session. An empty fromEventID is a
// no-op: a first-ever connection relies purely on live broadcasts. types
// optionally narrows the batch to the given event type names.
func (e *Engine) Replay(ctx context.Context, sess *registry.Session, fromEventID string, types []string) error {
	if fromEventID == "" {
		return nil
	}

	// Resolve the cursor to its stored timestamp. An already-expired
	// cursor replays everything still retained: over-delivery is safe for
	// idempotent clients, silent gaps are not.
	var cursor time.Time
	if evt, err := e.store.Get(ctx, fromEventID); err == nil {
		cursor = evt.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve replay cursor: %w", err)
	}

	ids, err := e.store.RangeTenantIndex(ctx, sess.TenantID(), cursor, e.cfg.BatchSize+1)
	if err != nil {
		return fmt.Errorf("range tenant index: %w", err)
	}
	hasMore := len(ids) > e.cfg.BatchSize
	if hasMore {
		ids = ids[:e.cfg.BatchSize]
	}

	events, err := e.store.GetMany(ctx, ids)
	if err != nil {
		return fmt.Errorf("fetch replay bodies: %w", err)
	}

	typeFilter := makeTypeFilter(types)
	envelopes := make([]event.Envelope, 0, len(events))
	reliable := make([]*event.Event, 0, len(events))
	for _, evt := range events {
		if evt == nil {
			// Body expired between index read and fetch.
			continue
		}
		if !evt.TargetsTerminal(sess.TerminalID()) {
			continue
		}
		if typeFilter != nil && !typeFilter[string(evt.Type)] {
			continue
		}
		envelopes = append(envelopes, event.NewEnvelope(evt))
		if evt.Priority.Reliable() {
			reliable = append(reliable, evt)
		}
	}

	sync := event.SyncEnvelope{
		Events:      envelopes,
		HasMore:     hasMore,
		FromEventID: fromEventID,
	}
	// The continuation cursor follows the index scan, not the filtered
	// batch: entries skipped for this terminal still advance it, so the
	// follow-up syncRequest never repeats the same window.
	if len(ids) > 0 {
		sync.FromEventID = ids[len(ids)-1]
	}

	// Re-arm tracking before the batch goes out, exactly as if each
	// reliable event had just been freshly published to this session.
	for _, evt := range reliable {
		sess.AddPending(evt.ID)
		e.sched.Track(sess, event.NewEnvelope(evt), evt.CreatedAt, evt.MaxRetries)
	}

	if err := sess.Send(sync); err != nil {
		return fmt.Errorf("send sync envelope: %w", err)
	}

	if e.mets != nil {
		e.mets.ReplayBatches.Inc()
	}
	e.log.Debug("replayed event batch",
		"session_id", sess.ID(),
		"tenant_id", sess.TenantID(),
		"events", len(envelopes),
		"has_more", hasMore,
	)
	return nil
}

func makeTypeFilter(types []string) map[string]bool {
	if len(types) == 0 {
		return nil
	}
	filter := make(map[string]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return filter
}
