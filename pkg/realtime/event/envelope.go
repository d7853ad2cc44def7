package event

import "encoding/json"

// Envelope is the client-facing transport frame for one delivered event.
type Envelope struct {
	ID          string          `json:"id"`
	Event       string          `json:"event"`
	Data        json.RawMessage `json:"data"`
	Timestamp   int64           `json:"timestamp"`
	RequiresAck bool            `json:"requiresAck"`
	IsRetry     bool            `json:"isRetry,omitempty"`
	RetryCount  int             `json:"retryCount,omitempty"`
}

// NewEnvelope converts an event into its wire form.
func NewEnvelope(e *Event) Envelope {
	return Envelope{
		ID:          e.ID,
		Event:       string(e.Type),
		Data:        e.Payload,
		Timestamp:   e.CreatedAt.UnixMilli(),
		RequiresAck: e.Priority.Reliable(),
	}
}

// SyncEnvelope carries one replay batch. HasMore tells the client to ack
// and issue a follow-up syncRequest with FromEventID as the new cursor.
type SyncEnvelope struct {
	Events      []Envelope `json:"events"`
	HasMore     bool       `json:"hasMore"`
	FromEventID string     `json:"fromEventId"`
}

// Client message types read off the terminal connection.
const (
	ClientMessageAck    = "ack"
	ClientMessageSync   = "syncRequest"
	ClientMessageStatus = "status"
)

// ClientMessage is the inbound frame sent by terminals.
type ClientMessage struct {
	Type        string   `json:"type"`
	EventID     string   `json:"eventId,omitempty"`
	FromEventID string   `json:"fromEventId,omitempty"`
	Types       []string `json:"types,omitempty"`
	Status      string   `json:"status,omitempty"`
}
