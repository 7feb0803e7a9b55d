package bus

import (
	"context"

	"github.com/animus-bot/animus/events"
	"github.com/animus-bot/animus/pkg/slogx"
	"github.com/google/uuid"
)

type submission struct {
	topic        events.Topic
	payload      events.Payload
	conversation uuid.UUID
}

// Post submits an event from outside the bus's execution context: a hardware
// callback, a socket reader, any goroutine the bus does not control. The
// payload is validated synchronously so a malformed submission fails right
// here with a *events.ValidationError; on success the event is queued and
// later dispatched by the bus's own pump, in submission order. Post blocks
// while the inbox is full and returns ErrClosed once the bus is shut down.
func (b *Bus) Post(topic events.Topic, payload events.Payload) error {
	return b.PostConversation(topic, payload, uuid.Nil)
}

// PostConversation is Post with a conversation ID attached to the eventual
// emission, for adapters that correlate a causally related chain.
func (b *Bus) PostConversation(topic events.Topic, payload events.Payload, conversation uuid.UUID) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if _, err := b.registry.Validate(topic, payload); err != nil {
		b.recorder.EventRejected(string(topic))
		return err
	}
	select {
	case b.inbox <- submission{topic: topic, payload: payload, conversation: conversation}:
		return nil
	case <-b.done:
		return ErrClosed
	}
}

// tryPost is the non-blocking variant used internally where waiting for
// inbox space could deadlock. Reports whether the submission was queued.
func (b *Bus) tryPost(topic events.Topic, payload events.Payload) bool {
	if b.closed.Load() {
		return false
	}
	select {
	case b.inbox <- submission{topic: topic, payload: payload}:
		return true
	default:
		return false
	}
}

// pump drains the inbox and dispatches each submission on the bus's own
// execution context.
func (b *Bus) pump() {
	defer b.wg.Done()
	for {
		select {
		case s := <-b.inbox:
			ctx := context.Background()
			if s.conversation != uuid.Nil {
				ctx = events.WithConversation(ctx, s.conversation)
			}
			if _, err := b.Emit(ctx, s.topic, s.payload); err != nil {
				b.log.Warn("posted event failed to dispatch",
					slogx.Topic(string(s.topic)), slogx.Error(err))
			}
		case <-b.done:
			return
		}
	}
}
