// Package publisher accepts business events, assigns identity and
// priority, persists reliable events, and fans them out to local sessions
// and to other instances through the bridge.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tillstream/tillstream/pkg/observability/logger"
	"github.com/tillstream/tillstream/pkg/observability/metrics"
	"github.com/tillstream/tillstream/pkg/realtime/bridge"
	"github.com/tillstream/tillstream/pkg/realtime/event"
	"github.com/tillstream/tillstream/pkg/realtime/registry"
	"github.com/tillstream/tillstream/pkg/realtime/retry"
	"github.com/tillstream/tillstream/pkg/realtime/store"
)

var (
	// ErrMissingTenant indicates a publish without a tenant scope.
	ErrMissingTenant = errors.New("publisher: tenant id is required")
	// ErrMissingType indicates a publish without a business event type.
	ErrMissingType = errors.New("publisher: event type is required")
	// ErrInvalidPriority indicates an unknown priority tier.
	ErrInvalidPriority = errors.New("publisher: invalid priority")
)

// Config controls publish behavior.
type Config struct {
	// InstanceID tags bridge frames for origin de-duplication.
	InstanceID string
	// RetentionWindow bounds replayability of reliable events.
	RetentionWindow time.Duration
	// MaxRetriesCritical / MaxRetriesHigh scale the retry budget with
	// priority.
	MaxRetriesCritical int
	MaxRetriesHigh     int
	// PersistUnicast durably queues unicast reliable events for offline
	// delivery via replay.
	PersistUnicast bool
	// GhostTTL is the grace period for session snapshots written at
	// disconnect.
	GhostTTL time.Duration
}

func (c *Config) normalize() {
	if c.InstanceID == "" {
		c.InstanceID = "instance-1"
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 24 * time.Hour
	}
	if c.MaxRetriesCritical <= 0 {
		c.MaxRetriesCritical = 5
	}
	if c.MaxRetriesHigh <= 0 {
		c.MaxRetriesHigh = 3
	}
	if c.GhostTTL <= 0 {
		c.GhostTTL = 2 * time.Minute
	}
}

// PublishRequest describes one business event to deliver.
type PublishRequest struct {
	TenantID string
	Type     event.Type
	Payload  json.RawMessage
	Priority event.Priority
	// TargetSessionIDs unicasts to those sessions; empty broadcasts
	// tenant-wide.
	TargetSessionIDs []string
	// ExcludeSessionID skips the originating session on broadcast.
	ExcludeSessionID string
}

// Publisher is the single write path for events. Collaborators interact
// with the delivery engine only through Publish.
type Publisher struct {
	cfg    Config
	log    logger.Logger
	store  store.Store
	reg    *registry.Registry
	sched  *retry.Scheduler
	bridge bridge.Bridge
	trim   *store.Trimmer
	mets   *metrics.Registry

	sub bridge.Subscription
}

// New creates an event publisher. br may be nil for single-instance
// deployments.
func New(cfg Config, st store.Store, reg *registry.Registry, sched *retry.Scheduler, br bridge.Bridge, log logger.Logger) *Publisher {
	cfg.normalize()
	if log == nil {
		log = logger.Nop()
	}
	return &Publisher{
		cfg:    cfg,
		log:    log,
		store:  st,
		reg:    reg,
		sched:  sched,
		bridge: br,
	}
}

// WithMetrics attaches delivery metrics. Optional.
func (p *Publisher) WithMetrics(m *metrics.Registry) *Publisher {
	p.mets = m
	return p
}

// WithTrimmer lets the publisher report active tenants for index trimming.
func (p *Publisher) WithTrimmer(t *store.Trimmer) *Publisher {
	p.trim = t
	return p
}

// Start subscribes to the bridge for frames raised on other instances.
func (p *Publisher) Start(ctx context.Context) error {
	if p.bridge == nil {
		return nil
	}
	sub, err := p.bridge.Subscribe(ctx, p.onBridgeFrame)
	if err != nil {
		return fmt.Errorf("subscribe bridge: %w", err)
	}
	p.sub = sub
	return nil
}

// Close drops the bridge subscription.
func (p *Publisher) Close() error {
	if p.sub != nil {
		return p.sub.Close()
	}
	return nil
}

// Publish delivers one business event. The returned event id is valid even
// when durability silently degraded: store failures never propagate to the
// producer. Publishing to a tenant with zero live sessions is not an
// error; reliable events stay replayable, best-effort ones are discarded.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (string, error) {
	if req.TenantID == "" {
		return "", ErrMissingTenant
	}
	if req.Type == "" {
		return "", ErrMissingType
	}
	if !req.Priority.Valid() {
		return "", ErrInvalidPriority
	}

	evt := event.New(req.TenantID, req.Type, req.Payload, req.Priority, p.cfg.RetentionWindow)
	evt.TargetSessionIDs = req.TargetSessionIDs
	evt.MaxRetries = p.maxRetriesFor(req.Priority)

	// Persistence must be attempted before local fan-out so a client that
	// acks immediately reconciles against a store that already has the
	// record.
	if p.shouldPersist(evt) {
		p.persist(ctx, evt)
	}

	p.deliverLocal(evt, req.ExcludeSessionID)

	if p.bridge != nil {
		frame := bridge.Frame{
			Origin:   p.cfg.InstanceID,
			TenantID: evt.TenantID,
			Event:    *evt,
		}
		if err := p.bridge.Publish(ctx, frame); err != nil {
			p.log.Warn("bridge publish failed", "event_id", evt.ID, "error", err)
		} else if p.mets != nil {
			p.mets.BridgeFramesOut.Inc()
		}
	}

	if p.mets != nil {
		p.mets.EventsPublished.WithLabelValues(evt.Priority.String()).Inc()
	}
	return evt.ID, nil
}

// BindPresence wires the registry's lifecycle hooks to LOW-priority
// presence events and ghost snapshots. Hooks run off the registration
// path, so presence chatter never blocks a connect or disconnect.
func (p *Publisher) BindPresence() {
	p.reg.OnRegister(func(s *registry.Session) {
		payload, _ := json.Marshal(map[string]string{
			"terminalId":  s.TerminalID(),
			"sessionId":   s.ID(),
			"userId":      s.UserID(),
			"displayName": s.DisplayName(),
		})
		if _, err := p.Publish(context.Background(), PublishRequest{
			TenantID:         s.TenantID(),
			Type:             event.TypeTerminalConnected,
			Payload:          payload,
			Priority:         event.PriorityLow,
			ExcludeSessionID: s.ID(),
		}); err != nil {
			p.log.Warn("presence publish failed", "terminal_id", s.TerminalID(), "error", err)
		}
	})

	p.reg.OnUnregister(func(s *registry.Session) {
		lastAcked, _ := s.LastAcked()
		ghost := &store.GhostSession{
			TerminalID:       s.TerminalID(),
			TenantID:         s.TenantID(),
			UserID:           s.UserID(),
			DisplayName:      s.DisplayName(),
			LastAckedEventID: lastAcked,
			Status:           string(s.Status()),
			DisconnectedAt:   time.Now().UTC(),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := p.store.PutGhost(ctx, ghost, p.cfg.GhostTTL); err != nil {
			p.log.Warn("ghost snapshot write failed", "terminal_id", s.TerminalID(), "error", err)
		}

		payload, _ := json.Marshal(map[string]string{
			"terminalId": s.TerminalID(),
			"userId":     s.UserID(),
		})
		if _, err := p.Publish(ctx, PublishRequest{
			TenantID: s.TenantID(),
			Type:     event.TypeTerminalOffline,
			Payload:  payload,
			Priority: event.PriorityLow,
		}); err != nil {
			p.log.Warn("presence publish failed", "terminal_id", s.TerminalID(), "error", err)
		}
	})
}

func (p *Publisher) shouldPersist(evt *event.Event) bool {
	if !evt.Priority.Reliable() {
		return false
	}
	if len(evt.TargetSessionIDs) > 0 && !p.cfg.PersistUnicast {
		return false
	}
	return true
}

// persist writes the body and index entry. Store unavailability degrades
// reliable delivery to best-effort for the duration of the outage; publish
// always proceeds with in-memory fan-out.
func (p *Publisher) persist(ctx context.Context, evt *event.Event) {
	// Unicast events get their targets' terminal ids stamped on so replay
	// can route them after a reconnect issues a fresh session id. Remote
	// targets are resolved by the instance that owns them.
	for _, sessionID := range evt.TargetSessionIDs {
		if sess := p.reg.Get(sessionID); sess != nil {
			evt.TargetTerminalIDs = append(evt.TargetTerminalIDs, sess.TerminalID())
		}
	}

	ttl := time.Until(evt.ExpiresAt)
	if err := p.store.Put(ctx, evt, ttl); err != nil {
		p.log.Error("event persistence degraded", "event_id", evt.ID, "error", err)
		return
	}
	if err := p.store.AppendTenantIndex(ctx, evt.TenantID, evt.ID, evt.CreatedAt); err != nil {
		p.log.Error("tenant index append degraded", "event_id", evt.ID, "error", err)
		return
	}
	if p.trim != nil {
		p.trim.Observe(evt.TenantID)
	}
}

// deliverLocal fans out to sessions connected to this instance.
func (p *Publisher) deliverLocal(evt *event.Event, excludeSessionID string) {
	var recipients []*registry.Session
	if len(evt.TargetSessionIDs) > 0 {
		for _, sessionID := range evt.TargetSessionIDs {
			if sess := p.reg.Get(sessionID); sess != nil {
				recipients = append(recipients, sess)
			}
		}
	} else {
		for _, sess := range p.reg.SessionsForTenant(evt.TenantID) {
			if sess.ID() == excludeSessionID {
				continue
			}
			recipients = append(recipients, sess)
		}
	}

	env := event.NewEnvelope(evt)
	for _, sess := range recipients {
		if env.RequiresAck {
			sess.AddPending(evt.ID)
			p.sched.Track(sess, env, evt.CreatedAt, evt.MaxRetries)
		}
		if err := sess.Send(env); err != nil {
			// A failed write means the connection is effectively gone.
			p.log.Info("send failed, unregistering session",
				"session_id", sess.ID(),
				"event_id", evt.ID,
				"error", err,
			)
			p.sched.DropSession(sess.ID())
			p.reg.Unregister(sess.ID())
			continue
		}
		if p.mets != nil {
			p.mets.EventsDelivered.Inc()
		}
	}
}

// onBridgeFrame delivers events raised on other instances. Own frames are
// discarded (already delivered locally); foreign ones are delivered without
// re-persisting and without re-publishing to the bridge.
func (p *Publisher) onBridgeFrame(frame bridge.Frame) {
	if frame.Origin == p.cfg.InstanceID {
		return
	}
	if p.mets != nil {
		p.mets.BridgeFramesIn.Inc()
	}
	evt := frame.Event
	p.deliverLocal(&evt, "")
}

func (p *Publisher) maxRetriesFor(priority event.Priority) int {
	switch priority {
	case event.PriorityCritical:
		return p.cfg.MaxRetriesCritical
	case event.PriorityHigh:
		return p.cfg.MaxRetriesHigh
	default:
		return 0
	}
}
