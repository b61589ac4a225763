package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a published domain event. Immutable after creation; the
// envelope bytes are what subscribers receive on every attempt.
type Event struct {
	ID        uuid.UUID
	Type      string
	Timestamp time.Time
	Data      json.RawMessage
	TenantID  string
	Metadata  json.RawMessage

	CreatedAt time.Time
}

// envelope is the wire/storage representation of an event.
type envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	TenantID  string          `json:"tenant_id"`
	Metadata  json.RawMessage `json:"metadata"`
}

// MarshalEnvelope serializes the event into its canonical JSON form.
// The result is snapshotted onto each delivery row and never re-derived,
// so repeated attempts send byte-identical bodies.
func (e Event) MarshalEnvelope() ([]byte, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	meta := e.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}
	return json.Marshal(envelope{
		ID:        e.ID.String(),
		Type:      e.Type,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Data:      data,
		TenantID:  e.TenantID,
		Metadata:  meta,
	})
}
