package events

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
)

// ValidationError reports a payload that was rejected before dispatch. It is
// always returned synchronously from the emitting call; an invalid payload is
// never delivered to any handler.
type ValidationError struct {
	Topic  Topic
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid payload for topic %q: %s: %v", e.Topic, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid payload for topic %q: %s", e.Topic, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Registration binds a topic to its payload type, schema version, and
// reflected JSON schema.
type Registration struct {
	Topic   Topic
	Version int
	Type    reflect.Type
	Schema  *jsonschema.Schema
}

// Registry is the closed set of topics the runtime knows about. Emissions on
// unregistered topics, or with a payload of the wrong Go type for the topic,
// are rejected with a ValidationError.
type Registry struct {
	mu     sync.RWMutex
	topics map[Topic]*Registration
}

func NewRegistry() *Registry {
	return &Registry{topics: make(map[Topic]*Registration)}
}

// Register binds topic to the payload type P at the given schema version.
// Registering the same topic again with an identical type and version is a
// no-op, so shared topics can be registered by whichever party constructs
// first. A conflicting re-registration is an error.
func Register[P Payload](r *Registry, topic Topic, version int) error {
	var zero P
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Struct {
		return fmt.Errorf("events: payload for topic %q must be a struct type, got %v", topic, typ)
	}
	if topic == "" {
		return fmt.Errorf("events: topic is required")
	}
	if version < 1 {
		return fmt.Errorf("events: schema version for topic %q must be >= 1", topic)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.topics[topic]; ok {
		if existing.Type == typ && existing.Version == version {
			return nil
		}
		return fmt.Errorf("events: topic %q already registered with type %s v%d",
			topic, existing.Type, existing.Version)
	}
	r.topics[topic] = &Registration{
		Topic:   topic,
		Version: version,
		Type:    typ,
		Schema:  jsonschema.Reflect(zero),
	}
	return nil
}

// Lookup returns the registration for topic.
func (r *Registry) Lookup(topic Topic) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.topics[topic]
	return reg, ok
}

// Topics returns every registered topic in lexical order.
func (r *Registry) Topics() []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Topic, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks payload against the topic's registration and returns the
// registration on success. Failures are always *ValidationError.
func (r *Registry) Validate(topic Topic, payload Payload) (*Registration, error) {
	reg, ok := r.Lookup(topic)
	if !ok {
		return nil, &ValidationError{Topic: topic, Reason: "topic not registered"}
	}
	if payload == nil {
		return nil, &ValidationError{Topic: topic, Reason: "payload is nil"}
	}
	if typ := reflect.TypeOf(payload); typ != reg.Type {
		return nil, &ValidationError{
			Topic:  topic,
			Reason: fmt.Sprintf("payload type %s does not match registered type %s", typ, reg.Type),
		}
	}
	if err := payload.Validate(); err != nil {
		return nil, &ValidationError{Topic: topic, Reason: "payload failed validation", Err: err}
	}
	return reg, nil
}

// Decode unmarshals raw JSON into a fresh payload of the topic's registered
// type and validates it.
func (r *Registry) Decode(topic Topic, data []byte) (Payload, error) {
	reg, ok := r.Lookup(topic)
	if !ok {
		return nil, &ValidationError{Topic: topic, Reason: "topic not registered"}
	}
	ptr := reflect.New(reg.Type)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, &ValidationError{Topic: topic, Reason: "payload failed to decode", Err: err}
	}
	payload := ptr.Elem().Interface().(Payload)
	if err := payload.Validate(); err != nil {
		return nil, &ValidationError{Topic: topic, Reason: "payload failed validation", Err: err}
	}
	return payload, nil
}

// DecodeEnvelope parses a serialized envelope, recovering the payload type
// from the topic registration. It is the inverse of Envelope.MarshalJSON for
// consumers that receive frames off the wire.
func (r *Registry) DecodeEnvelope(data []byte) (Envelope, error) {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("events: decoding envelope: %w", err)
	}
	payload, err := r.Decode(raw.Topic, raw.Payload)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		ID:            raw.ID,
		Topic:         raw.Topic,
		SchemaVersion: raw.SchemaVersion,
		Timestamp:     raw.Timestamp,
		Payload:       payload,
	}
	if raw.ConversationID != "" {
		id, err := uuid.Parse(raw.ConversationID)
		if err != nil {
			return Envelope{}, fmt.Errorf("events: decoding envelope conversation_id: %w", err)
		}
		env.ConversationID = id
	}
	return env, nil
}
