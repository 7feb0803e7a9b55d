package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/animus-bot/animus/events"
	"github.com/animus-bot/animus/pkg/slogx"
	"github.com/animus-bot/animus/pkg/uuidx"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
)

// DispatchResult describes what one Emit did: how many handlers were awaited
// on the dispatch path, how many blocking handlers were handed to the worker
// pool, and which awaited handlers failed.
type DispatchResult struct {
	EventID   uuid.UUID
	Delivered int
	Queued    int
	Failures  []HandlerError
}

type job struct {
	sub *subscription
	env events.Envelope
}

// Emit validates payload against topic's registered schema and, on success,
// delivers the event to every handler registered for topic at call time,
// exactly once per handler. Non-blocking handlers run concurrently and are
// awaited, each bounded by the per-handler timeout; blocking handlers are
// queued to the worker pool and not awaited. A failing handler is reported
// in the result (and on the handler-failure topic) without aborting its
// siblings unless the bus is strict, in which case Emit also returns the
// failure.
func (b *Bus) Emit(ctx context.Context, topic events.Topic, payload events.Payload) (DispatchResult, error) {
	if b.closed.Load() {
		return DispatchResult{}, ErrClosed
	}
	reg, err := b.registry.Validate(topic, payload)
	if err != nil {
		b.recorder.EventRejected(string(topic))
		return DispatchResult{}, err
	}

	env := events.Envelope{
		ID:            uuidx.New(),
		Topic:         topic,
		SchemaVersion: reg.Version,
		Timestamp:     strfmt.DateTime(time.Now()),
		Payload:       payload,
	}
	if cid, ok := events.ConversationFrom(ctx); ok {
		env.ConversationID = cid
	}
	return b.dispatch(ctx, env)
}

func (b *Bus) dispatch(ctx context.Context, env events.Envelope) (DispatchResult, error) {
	if b.closed.Load() {
		return DispatchResult{}, ErrClosed
	}
	started := time.Now()
	result := DispatchResult{EventID: env.ID}

	var (
		mu       sync.Mutex
		failures []HandlerError
		wg       sync.WaitGroup
		queueErr error
	)
	for _, sub := range b.subscribers(env.Topic) {
		if sub.blocking {
			select {
			case b.jobs <- job{sub: sub, env: env}:
				result.Queued++
			case <-b.done:
				queueErr = ErrClosed
			case <-ctx.Done():
				queueErr = fmt.Errorf("bus: queueing blocking handler: %w", ctx.Err())
			}
			if queueErr != nil {
				break
			}
			continue
		}

		result.Delivered++
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			if herr := b.runHandler(ctx, sub, env); herr != nil {
				mu.Lock()
				failures = append(failures, *herr)
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	if queueErr != nil {
		result.Failures = failures
		return result, queueErr
	}

	result.Failures = failures
	b.recorder.EventEmitted(string(env.Topic))
	b.recorder.DispatchDuration(string(env.Topic), time.Since(started))

	for i := range failures {
		b.reportFailure(&failures[i])
	}
	if b.strict && len(failures) > 0 {
		errs := make([]error, len(failures))
		for i := range failures {
			errs[i] = &failures[i]
		}
		return result, errors.Join(errs...)
	}
	return result, nil
}

// runHandler invokes one handler with the per-handler timeout enforced even
// when the handler ignores its context. The handler goroutine is left to
// finish on its own after a timeout; its eventual result is discarded.
func (b *Bus) runHandler(ctx context.Context, sub *subscription, env events.Envelope) *HandlerError {
	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		errc <- sub.handler(hctx, env)
	}()

	select {
	case err := <-errc:
		if err == nil {
			return nil
		}
		return &HandlerError{
			Topic:        env.Topic,
			EventID:      env.ID,
			Subscription: sub.id,
			Handler:      sub.name,
			Err:          err,
		}
	case <-hctx.Done():
		return &HandlerError{
			Topic:        env.Topic,
			EventID:      env.ID,
			Subscription: sub.id,
			Handler:      sub.name,
			TimedOut:     true,
			Err:          hctx.Err(),
		}
	case <-b.done:
		return &HandlerError{
			Topic:        env.Topic,
			EventID:      env.ID,
			Subscription: sub.id,
			Handler:      sub.name,
			Err:          ErrClosed,
		}
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case j := <-b.jobs:
			ctx, cancel := context.WithTimeout(context.Background(), b.handlerTimeout)
			if herr := b.runHandler(ctx, j.sub, j.env); herr != nil {
				b.reportFailure(herr)
			}
			cancel()
		case <-b.done:
			return
		}
	}
}

// reportFailure surfaces a handler failure on the handler-failure topic, the
// same channel lifecycle status flows through. Failures of handlers on that
// topic itself are only logged, so a broken monitor cannot feed itself.
func (b *Bus) reportFailure(herr *HandlerError) {
	b.recorder.HandlerFailure(string(herr.Topic), herr.TimedOut)
	b.log.Warn("handler failed",
		slogx.Topic(string(herr.Topic)),
		slogx.Subscription(herr.Subscription),
		slogx.EventID(herr.EventID.String()),
		slogx.Error(herr.Err),
	)
	if herr.Topic == events.TopicHandlerFailed {
		return
	}
	report := events.HandlerFailed{
		Topic:        string(herr.Topic),
		Subscription: herr.Subscription,
		EventID:      herr.EventID.String(),
		Reason:       herr.Err.Error(),
		TimedOut:     herr.TimedOut,
	}
	// Non-blocking on purpose: reportFailure can run on the inbox pump's own
	// dispatch, and waiting for inbox space there would deadlock it.
	if !b.tryPost(events.TopicHandlerFailed, report) {
		b.log.Warn("handler failure report dropped",
			slogx.Topic(string(herr.Topic)), slogx.Subscription(herr.Subscription))
	}
}
