package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tillstream/tillstream/pkg/auth"
	"github.com/tillstream/tillstream/pkg/observability/logger"
	"github.com/tillstream/tillstream/pkg/realtime/event"
	"github.com/tillstream/tillstream/pkg/realtime/publisher"
)

const maxPublishBodyBytes = 1 << 20

// publishRequest is the JSON body accepted by the event ingress.
type publishRequest struct {
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload"`
	Priority         string          `json:"priority"`
	TargetSessionIDs []string        `json:"targetSessionIds,omitempty"`
	ExcludeSessionID string          `json:"excludeSessionId,omitempty"`
}

type publishResponse struct {
	EventID string `json:"eventId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// IngressHandler accepts publish requests from backend collaborators. The
// tenant scope always comes from the caller's credential, never the body.
type IngressHandler struct {
	log  logger.Logger
	auth auth.Validator
	pub  *publisher.Publisher
}

// NewIngressHandler creates the publish ingress.
func NewIngressHandler(validator auth.Validator, pub *publisher.Publisher, log logger.Logger) *IngressHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &IngressHandler{log: log, auth: validator, pub: pub}
}

func (h *IngressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing credentials"})
		return
	}
	identity, err := h.auth.Validate(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
		return
	}

	var body publishRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBodyBytes))
	if err := decoder.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	eventType, ok := event.ParseType(body.Type)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown event type"})
		return
	}
	priority := event.PriorityNormal
	if body.Priority != "" {
		priority, ok = event.ParsePriority(body.Priority)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown priority"})
			return
		}
	}

	eventID, err := h.pub.Publish(r.Context(), publisher.PublishRequest{
		TenantID:         identity.TenantID,
		Type:             eventType,
		Payload:          body.Payload,
		Priority:         priority,
		TargetSessionIDs: body.TargetSessionIDs,
		ExcludeSessionID: body.ExcludeSessionID,
	})
	if err != nil {
		if errors.Is(err, publisher.ErrMissingTenant) || errors.Is(err, publisher.ErrMissingType) || errors.Is(err, publisher.ErrInvalidPriority) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		h.log.Error("publish failed", "tenant_id", identity.TenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "publish failed"})
		return
	}

	writeJSON(w, http.StatusAccepted, publishResponse{EventID: eventID})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
