// Package transport exposes the delivery engine over HTTP: the terminal
// WebSocket endpoint and the event publish ingress.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tillstream/tillstream/pkg/auth"
	"github.com/tillstream/tillstream/pkg/observability/logger"
	"github.com/tillstream/tillstream/pkg/observability/metrics"
	"github.com/tillstream/tillstream/pkg/realtime/event"
	"github.com/tillstream/tillstream/pkg/realtime/registry"
	"github.com/tillstream/tillstream/pkg/realtime/replay"
	"github.com/tillstream/tillstream/pkg/realtime/retry"
	"github.com/tillstream/tillstream/pkg/realtime/store"
	"github.com/tillstream/tillstream/pkg/realtime/wire"
)

// Config controls the terminal endpoint.
type Config struct {
	HeartbeatInterval time.Duration
	WS                wire.Config
}

func (c *Config) normalize() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
}

// TerminalHandler upgrades terminal connections, runs the session read
// loop, and tears the session down on exit.
type TerminalHandler struct {
	cfg    Config
	log    logger.Logger
	auth   auth.Validator
	reg    *registry.Registry
	sched  *retry.Scheduler
	replay *replay.Engine
	store  store.Store
	mets   *metrics.Registry
}

// NewTerminalHandler creates the WebSocket endpoint handler.
func NewTerminalHandler(cfg Config, validator auth.Validator, reg *registry.Registry, sched *retry.Scheduler, rep *replay.Engine, st store.Store, log logger.Logger) *TerminalHandler {
	cfg.normalize()
	if log == nil {
		log = logger.Nop()
	}
	return &TerminalHandler{
		cfg:    cfg,
		log:    log,
		auth:   validator,
		reg:    reg,
		sched:  sched,
		replay: rep,
		store:  st,
	}
}

// WithMetrics attaches connection metrics. Optional.
func (h *TerminalHandler) WithMetrics(m *metrics.Registry) *TerminalHandler {
	h.mets = m
	return h
}

// ServeHTTP authenticates, upgrades, replays, then serves the session
// until the connection closes.
func (h *TerminalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Authentication happens before the upgrade so a bad credential never
	// produces a registered session.
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	identity, err := h.auth.Validate(r.Context(), token)
	if err != nil {
		h.log.Info("terminal handshake rejected", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	terminalID := strings.TrimSpace(r.URL.Query().Get("terminal_id"))
	if terminalID == "" {
		http.Error(w, "terminal_id is required", http.StatusBadRequest)
		return
	}
	lastEventID := strings.TrimSpace(r.URL.Query().Get("last_event_id"))

	conn, err := wire.Upgrade(w, r, h.cfg.WS)
	if err != nil {
		h.log.Info("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	sess := registry.NewSession(terminalID, *identity, conn)
	if err := h.reg.Register(sess); err != nil {
		h.log.Warn("session registration rejected",
			"terminal_id", terminalID,
			"tenant_id", identity.TenantID,
			"error", err,
		)
		_ = conn.Close()
		return
	}
	if h.mets != nil {
		h.mets.ConnectedSessions.Inc()
	}
	h.log.Info("terminal connected",
		"session_id", sess.ID(),
		"terminal_id", terminalID,
		"tenant_id", identity.TenantID,
	)

	defer func() {
		h.sched.DropSession(sess.ID())
		h.reg.Unregister(sess.ID())
		_ = conn.Close()
		if h.mets != nil {
			h.mets.ConnectedSessions.Dec()
		}
		h.log.Info("terminal disconnected", "session_id", sess.ID(), "terminal_id", terminalID)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cursor := h.resolveCursor(ctx, terminalID, lastEventID)
	if cursor != "" {
		if err := h.replay.Replay(ctx, sess, cursor, nil); err != nil {
			h.log.Warn("initial replay failed", "session_id", sess.ID(), "error", err)
		}
	}

	go h.heartbeat(ctx, conn)
	h.readLoop(ctx, sess, conn)
}

// resolveCursor picks the replay cursor: an explicit client cursor wins,
// otherwise the ghost snapshot left by this terminal's previous session.
func (h *TerminalHandler) resolveCursor(ctx context.Context, terminalID, lastEventID string) string {
	if lastEventID != "" {
		return lastEventID
	}
	ghost, err := h.store.GetGhost(ctx, terminalID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.log.Warn("ghost lookup failed", "terminal_id", terminalID, "error", err)
		}
		return ""
	}
	return ghost.LastAckedEventID
}

func (h *TerminalHandler) heartbeat(ctx context.Context, conn *wire.Conn) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteFrame(wire.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (h *TerminalHandler) readLoop(ctx context.Context, sess *registry.Session, conn *wire.Conn) {
	for {
		opcode, payload, err := conn.ReadFrame()
		if err != nil {
			return
		}

		switch opcode {
		case wire.OpClose:
			return
		case wire.OpPing:
			if err := conn.WriteFrame(wire.OpPong, payload); err != nil {
				return
			}
		case wire.OpPong:
			// Heartbeat response, nothing to do.
		case wire.OpText:
			h.handleClientMessage(ctx, sess, payload)
		}
	}
}

func (h *TerminalHandler) handleClientMessage(ctx context.Context, sess *registry.Session, payload []byte) {
	var msg event.ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.log.Debug("discarding malformed client frame", "session_id", sess.ID(), "error", err)
		return
	}

	switch msg.Type {
	case event.ClientMessageAck:
		if msg.EventID == "" {
			return
		}
		h.sched.Ack(ctx, sess.ID(), msg.EventID)
	case event.ClientMessageSync:
		if err := h.replay.Replay(ctx, sess, msg.FromEventID, msg.Types); err != nil {
			h.log.Warn("sync request failed", "session_id", sess.ID(), "error", err)
		}
	case event.ClientMessageStatus:
		if status, ok := registry.ParseStatus(msg.Status); ok {
			sess.SetStatus(status)
		}
	default:
		h.log.Debug("unknown client message type", "session_id", sess.ID(), "type", msg.Type)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	// Browser WebSocket clients cannot set headers; they pass the token as
	// a query parameter instead.
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
