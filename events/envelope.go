package events

import (
	"context"

	"github.com/go-openapi/strfmt"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Payload is the structured data carried by an event. Concrete payloads are
// plain structs registered against exactly one topic; Validate reports a
// payload that would violate the topic's contract and is called at the bus
// boundary before any dispatch happens.
type Payload interface {
	Validate() error
}

// Envelope is the immutable value delivered to subscribers. Every emission
// gets a fresh ID; ConversationID is zero unless the emitting context was
// tagged with WithConversation.
type Envelope struct {
	ID             uuid.UUID
	Topic          Topic
	SchemaVersion  int
	ConversationID uuid.UUID
	Timestamp      strfmt.DateTime
	Payload        Payload
}

type envelopeJSON struct {
	ID             uuid.UUID       `json:"id"`
	Topic          Topic           `json:"topic"`
	SchemaVersion  int             `json:"schema_version"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Timestamp      strfmt.DateTime `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

// MarshalJSON renders the envelope with the payload inlined. Unmarshaling
// requires the topic registry to recover the payload type, so the inverse
// lives on Registry.DecodeEnvelope.
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	out := envelopeJSON{
		ID:            e.ID,
		Topic:         e.Topic,
		SchemaVersion: e.SchemaVersion,
		Timestamp:     e.Timestamp,
		Payload:       payload,
	}
	if e.ConversationID != uuid.Nil {
		out.ConversationID = e.ConversationID.String()
	}
	return json.Marshal(out)
}

type conversationKey struct{}

// WithConversation tags ctx with a conversation ID. Emissions made with the
// returned context carry the ID on their envelopes, which is how a causally
// related chain of events stays correlated across services.
func WithConversation(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, conversationKey{}, id)
}

// ConversationFrom extracts the conversation ID from ctx, if any.
func ConversationFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(conversationKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}
