package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/animus-bot/animus/events"
	"github.com/animus-bot/animus/pkg/uuidx"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Emission pairs a topic with a payload, used for queueing and for the
// compensating events passed to Rollback.
type Emission struct {
	Topic   events.Topic
	Payload events.Payload
}

type txState int

const (
	txOpen txState = iota
	txCommitted
	txRolledBack
)

// Transaction groups a sequence of emissions that must look like one atomic
// step to observers. Preparatory events can be sent immediately with Emit;
// the remainder is queued with Add and flushed in FIFO order by Commit.
// Rollback discards the queue and emits caller-supplied compensating events
// instead, telling observers that already reacted to the preparatory events
// that the operation did not happen.
//
// A Transaction is not safe for concurrent use; the emitting service owns it
// for the duration of the logical operation.
type Transaction struct {
	bus *Bus

	mu      sync.Mutex
	state   txState
	queue   *orderedmap.OrderedMap[uuid.UUID, events.Envelope]
	emitted []uuid.UUID
}

// Begin opens a transaction on the bus.
func (b *Bus) Begin() *Transaction {
	return &Transaction{
		bus:   b,
		queue: orderedmap.New[uuid.UUID, events.Envelope](),
	}
}

// Emit dispatches an event immediately through the bus while recording it as
// part of the transaction. Use it for preparatory events that observers must
// see before the queued remainder is committed.
func (t *Transaction) Emit(ctx context.Context, topic events.Topic, payload events.Payload) (DispatchResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.open(); err != nil {
		return DispatchResult{}, err
	}
	res, err := t.bus.Emit(ctx, topic, payload)
	if err == nil {
		t.emitted = append(t.emitted, res.EventID)
	}
	return res, err
}

// Add queues an emission without dispatching it. The payload is validated
// now, so a bad payload fails at Add time, and deep-copied, so mutations the
// caller makes afterwards cannot leak into the committed event.
func (t *Transaction) Add(topic events.Topic, payload events.Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.open(); err != nil {
		return err
	}
	reg, err := t.bus.registry.Validate(topic, payload)
	if err != nil {
		return err
	}

	clone := reflect.New(reg.Type)
	if err := copier.CopyWithOption(clone.Interface(), payload, copier.Option{DeepCopy: true}); err != nil {
		return fmt.Errorf("bus: snapshotting payload for topic %q: %w", topic, err)
	}
	env := events.Envelope{
		ID:            uuidx.New(),
		Topic:         topic,
		SchemaVersion: reg.Version,
		Payload:       clone.Elem().Interface().(events.Payload),
	}
	t.queue.Set(env.ID, env)
	return nil
}

// Pending reports how many queued emissions Commit would flush.
func (t *Transaction) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Len()
}

// Emitted returns the IDs of events this transaction has already put on the
// bus, in order.
func (t *Transaction) Emitted() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uuid.UUID, len(t.emitted))
	copy(out, t.emitted)
	return out
}

// Commit emits every queued event in FIFO order. If the bus rejects one of
// them, the events already emitted stay emitted — they are not retracted —
// and Commit returns a *TransactionError naming exactly which emissions made
// it out, which one failed, and which were never attempted.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.open(); err != nil {
		return err
	}

	for pair := t.queue.Oldest(); pair != nil; pair = pair.Next() {
		env := pair.Value
		env.Timestamp = strfmt.DateTime(time.Now())
		if cid, ok := events.ConversationFrom(ctx); ok {
			env.ConversationID = cid
		}
		if _, err := t.bus.dispatch(ctx, env); err != nil {
			// The transaction stays open so the caller can still Rollback
			// with compensating events.
			var remaining []uuid.UUID
			for rest := pair.Next(); rest != nil; rest = rest.Next() {
				remaining = append(remaining, rest.Key)
			}
			return &TransactionError{
				Committed:   append([]uuid.UUID(nil), t.emitted...),
				Failed:      env.ID,
				FailedTopic: env.Topic,
				Remaining:   remaining,
				Err:         err,
			}
		}
		t.emitted = append(t.emitted, env.ID)
	}
	t.state = txCommitted
	return nil
}

// Rollback abandons the queued emissions and emits the compensating events,
// in the order given, instead. It is how an operation that already announced
// itself signals "this did not happen".
func (t *Transaction) Rollback(ctx context.Context, compensate ...Emission) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.open(); err != nil {
		return err
	}
	t.state = txRolledBack
	t.queue = orderedmap.New[uuid.UUID, events.Envelope]()

	for _, em := range compensate {
		if _, err := t.bus.Emit(ctx, em.Topic, em.Payload); err != nil {
			return fmt.Errorf("bus: emitting compensating event on topic %q: %w", em.Topic, err)
		}
	}
	return nil
}

func (t *Transaction) open() error {
	switch t.state {
	case txCommitted:
		return fmt.Errorf("bus: transaction already committed")
	case txRolledBack:
		return fmt.Errorf("bus: transaction already rolled back")
	}
	return nil
}
