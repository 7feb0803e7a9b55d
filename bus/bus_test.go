package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/animus-bot/animus/events"
	"github.com/fogfish/opts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingPayload struct {
	N int `json:"n"`
}

func (p pingPayload) Validate() error {
	if p.N < 0 {
		return errors.New("n must not be negative")
	}
	return nil
}

type alertPayload struct {
	Level string `json:"level"`
}

func (p alertPayload) Validate() error {
	if p.Level == "" {
		return errors.New("level is required")
	}
	return nil
}

func newTestBus(t *testing.T, options ...opts.Option[Bus]) *Bus {
	t.Helper()
	registry := events.NewRegistry()
	require.NoError(t, events.Register[pingPayload](registry, "ping", 1))
	require.NoError(t, events.Register[alertPayload](registry, "alert", 1))
	b, err := New(registry, options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func TestSubscribeThenEmitNeverMisses(t *testing.T) {
	b := newTestBus(t)

	// The subscription must be visible to the very next Emit, every time.
	for i := 0; i < 100; i++ {
		received := make(chan events.Envelope, 1)
		handle, err := b.Subscribe("ping", func(_ context.Context, evt events.Envelope) error {
			received <- evt
			return nil
		})
		require.NoError(t, err)

		res, err := b.Emit(context.Background(), "ping", pingPayload{N: i})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Delivered)

		select {
		case evt := <-received:
			assert.Equal(t, pingPayload{N: i}, evt.Payload)
		case <-time.After(time.Second):
			t.Fatalf("iteration %d: event was not delivered", i)
		}
		b.Unsubscribe(handle)
	}
}

func TestEmitDeliversExactlyOncePerHandler(t *testing.T) {
	b := newTestBus(t)

	var first, second atomic.Int64
	_, err := b.Subscribe("ping", func(context.Context, events.Envelope) error {
		first.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("ping", func(context.Context, events.Envelope) error {
		second.Add(1)
		return nil
	})
	require.NoError(t, err)

	res, err := b.Emit(context.Background(), "ping", pingPayload{N: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Empty(t, res.Failures)
	assert.EqualValues(t, 1, first.Load())
	assert.EqualValues(t, 1, second.Load())
}

func TestEnvelopeFields(t *testing.T) {
	b := newTestBus(t)

	received := make(chan events.Envelope, 1)
	_, err := b.Subscribe("ping", func(_ context.Context, evt events.Envelope) error {
		received <- evt
		return nil
	})
	require.NoError(t, err)

	res, err := b.Emit(context.Background(), "ping", pingPayload{N: 7})
	require.NoError(t, err)

	evt := <-received
	assert.Equal(t, res.EventID, evt.ID)
	assert.Equal(t, events.Topic("ping"), evt.Topic)
	assert.Equal(t, 1, evt.SchemaVersion)
	assert.False(t, time.Time(evt.Timestamp).IsZero())
}

func TestEmitRejectsInvalidPayload(t *testing.T) {
	b := newTestBus(t)

	var delivered atomic.Int64
	_, err := b.Subscribe("ping", func(context.Context, events.Envelope) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)

	t.Run("payload fails validation", func(t *testing.T) {
		_, err := b.Emit(context.Background(), "ping", pingPayload{N: -1})
		var verr *events.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("unregistered topic", func(t *testing.T) {
		_, err := b.Emit(context.Background(), "not-a-topic", pingPayload{N: 1})
		var verr *events.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("wrong payload type", func(t *testing.T) {
		_, err := b.Emit(context.Background(), "ping", alertPayload{Level: "red"})
		var verr *events.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	assert.EqualValues(t, 0, delivered.Load(), "invalid payloads must never reach a handler")
}

func TestHandlerFailureIsolation(t *testing.T) {
	b := newTestBus(t)

	var secondRan atomic.Bool
	_, err := b.Subscribe("alert", func(context.Context, events.Envelope) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("alert", func(context.Context, events.Envelope) error {
		secondRan.Store(true)
		return nil
	})
	require.NoError(t, err)

	res, err := b.Emit(context.Background(), "alert", alertPayload{Level: "red"})
	require.NoError(t, err, "handler failures must not fail the emit by default")
	assert.True(t, secondRan.Load(), "sibling handler must still run")
	require.Len(t, res.Failures, 1)
	assert.EqualError(t, res.Failures[0].Err, "boom")
	assert.False(t, res.Failures[0].TimedOut)
}

func TestHandlerFailureIsReported(t *testing.T) {
	b := newTestBus(t)

	reports := make(chan events.Envelope, 1)
	_, err := b.Subscribe(events.TopicHandlerFailed, func(_ context.Context, evt events.Envelope) error {
		reports <- evt
		return nil
	})
	require.NoError(t, err)

	_, err = b.Subscribe("alert", func(context.Context, events.Envelope) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	res, err := b.Emit(context.Background(), "alert", alertPayload{Level: "red"})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)

	select {
	case evt := <-reports:
		report := evt.Payload.(events.HandlerFailed)
		assert.Equal(t, "alert", report.Topic)
		assert.Equal(t, "boom", report.Reason)
		assert.Equal(t, res.Failures[0].Subscription, report.Subscription)
	case <-time.After(time.Second):
		t.Fatal("handler failure was not reported on the failure topic")
	}
}

func TestStrictModeFailsTheEmit(t *testing.T) {
	b := newTestBus(t, WithStrict(true))

	var secondRan atomic.Bool
	_, err := b.Subscribe("alert", func(context.Context, events.Envelope) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("alert", func(context.Context, events.Envelope) error {
		secondRan.Store(true)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Emit(context.Background(), "alert", alertPayload{Level: "red"})
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.True(t, secondRan.Load(), "strict mode still runs every handler")
}

func TestHandlerTimeout(t *testing.T) {
	b := newTestBus(t, WithHandlerTimeout(20*time.Millisecond))

	block := make(chan struct{})
	defer close(block)
	_, err := b.Subscribe("ping", func(context.Context, events.Envelope) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	start := time.Now()
	res, err := b.Emit(context.Background(), "ping", pingPayload{N: 1})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.True(t, res.Failures[0].TimedOut)
	assert.Less(t, time.Since(start), time.Second, "emit must not wait past the per-handler timeout")
}

func TestBlockingHandlerRunsOffTheDispatchPath(t *testing.T) {
	b := newTestBus(t)

	ran := make(chan events.Envelope, 1)
	_, err := b.Subscribe("ping", func(_ context.Context, evt events.Envelope) error {
		ran <- evt
		return nil
	}, WithBlocking(true))
	require.NoError(t, err)

	res, err := b.Emit(context.Background(), "ping", pingPayload{N: 3})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, 1, res.Queued)

	select {
	case evt := <-ran:
		assert.Equal(t, pingPayload{N: 3}, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("blocking handler never ran")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t)

	var count atomic.Int64
	handle, err := b.Subscribe("ping", func(context.Context, events.Envelope) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	_, err = b.Emit(context.Background(), "ping", pingPayload{N: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count.Load())

	b.Unsubscribe(handle)
	_, err = b.Emit(context.Background(), "ping", pingPayload{N: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count.Load(), "removed handler must not be called")

	assert.NotPanics(t, func() {
		b.Unsubscribe(handle)
		b.Unsubscribe(SubscriptionHandle{})
	}, "unsubscribe is idempotent")
}

func TestShutdown(t *testing.T) {
	b := newTestBus(t)

	handle, err := b.Subscribe("ping", func(context.Context, events.Envelope) error { return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
	require.NoError(t, b.Shutdown(ctx), "shutdown is idempotent")

	_, err = b.Subscribe("ping", func(context.Context, events.Envelope) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Emit(context.Background(), "ping", pingPayload{N: 1})
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, b.Post("ping", pingPayload{N: 1}), ErrClosed)
	assert.NotPanics(t, func() { b.Unsubscribe(handle) })
}

func TestConcurrentSubscribeEmitUnsubscribe(t *testing.T) {
	b := newTestBus(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				handle, err := b.Subscribe("ping", func(context.Context, events.Envelope) error { return nil })
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := b.Emit(context.Background(), "ping", pingPayload{N: j}); err != nil {
					t.Error(err)
					return
				}
				b.Unsubscribe(handle)
			}
		}()
	}
	wg.Wait()
}

func TestNewValidation(t *testing.T) {
	registry := events.NewRegistry()

	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(registry, WithHandlerTimeout(0))
	assert.Error(t, err)

	_, err = New(registry, WithWorkers(0))
	assert.Error(t, err)
}

func TestSubscribeValidation(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe("", func(context.Context, events.Envelope) error { return nil })
	assert.Error(t, err)

	_, err = b.Subscribe("ping", nil)
	assert.Error(t, err)
}

func TestHandlerPanicIsCaptured(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Subscribe("ping", func(context.Context, events.Envelope) error {
		panic("kaboom")
	})
	require.NoError(t, err)

	res, err := b.Emit(context.Background(), "ping", pingPayload{N: 1})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Err.Error(), "kaboom")
}
