package bus

import (
	"errors"
	"fmt"

	"github.com/animus-bot/animus/events"
	"github.com/google/uuid"
)

// ErrClosed is returned by Subscribe, Emit, and Post after Shutdown. It is a
// distinct kind from validation failures so callers can tell "your payload
// was bad" apart from "the bus is gone".
var ErrClosed = errors.New("bus: closed")

// HandlerError reports one subscriber handler that returned an error or
// exceeded the per-handler timeout during a dispatch. Unless the bus runs in
// strict mode, a HandlerError never aborts sibling handlers for the same
// event.
type HandlerError struct {
	Topic        events.Topic
	EventID      uuid.UUID
	Subscription string
	Handler      string
	TimedOut     bool
	Err          error
}

func (e *HandlerError) Error() string {
	name := e.Handler
	if name == "" {
		name = e.Subscription
	}
	if e.TimedOut {
		return fmt.Sprintf("bus: handler %s timed out on topic %q", name, e.Topic)
	}
	return fmt.Sprintf("bus: handler %s failed on topic %q: %v", name, e.Topic, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// TransactionError reports a commit that could not emit every queued event.
// Committed lists the queued emissions that reached the bus before the
// failure, Failed identifies the one that was rejected, and Remaining lists
// the emissions that were never attempted. Events already on the bus are not
// retracted; the error exists so the caller can signal the partial state
// explicitly instead of pretending success.
type TransactionError struct {
	Committed   []uuid.UUID
	Failed      uuid.UUID
	FailedTopic events.Topic
	Remaining   []uuid.UUID
	Err         error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("bus: transaction commit failed on topic %q after %d of %d emissions: %v",
		e.FailedTopic, len(e.Committed), len(e.Committed)+1+len(e.Remaining), e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }
