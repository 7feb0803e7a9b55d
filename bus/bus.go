package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/animus-bot/animus/events"
	"github.com/animus-bot/animus/internal/metrics"
	"github.com/animus-bot/animus/pkg/uuidx"
	"github.com/fogfish/opts"
)

const (
	defaultHandlerTimeout = 250 * time.Millisecond
	defaultWorkers        = 4
	defaultInboxSize      = 64
)

// Handler processes one event. Handlers must treat the envelope as
// immutable. A handler that needs to block on I/O should be subscribed with
// WithBlocking so it runs on the worker pool instead of the dispatch path.
type Handler func(ctx context.Context, evt events.Envelope) error

// SubscribeConfig carries per-subscription settings.
type SubscribeConfig struct {
	Blocking bool
	Name     string
}

var (
	// WithBlocking routes the handler to the worker pool. Emit counts the
	// handler as queued instead of awaiting it.
	WithBlocking = opts.ForName[SubscribeConfig, bool]("Blocking")
	// WithSubscriberName labels the subscription in logs and failure reports.
	WithSubscriberName = opts.ForName[SubscribeConfig, string]("Name")
)

// SubscriptionHandle is the opaque identity token for one registration. It is
// the only way a subscription is addressed; the handler value itself is never
// used as a key.
type SubscriptionHandle struct {
	id    string
	topic events.Topic
}

func (h SubscriptionHandle) ID() string          { return h.id }
func (h SubscriptionHandle) Topic() events.Topic { return h.topic }
func (h SubscriptionHandle) IsZero() bool        { return h.id == "" }

type subscription struct {
	id       string
	topic    events.Topic
	handler  Handler
	blocking bool
	name     string
}

// Bus is the single event bus shared by every service in the process. All
// registry mutations go through Subscribe and Unsubscribe; dispatch state is
// owned by the bus and never touched by services directly.
type Bus struct {
	registry *events.Registry
	topics   *haxmap.Map[string, *haxmap.Map[string, *subscription]]

	handlerTimeout time.Duration
	strict         bool
	workers        int
	inboxSize      int
	recorder       metrics.Recorder
	log            *slog.Logger

	jobs   chan job
	inbox  chan submission
	done   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

var (
	// WithHandlerTimeout bounds how long Emit waits for each awaited handler.
	WithHandlerTimeout = opts.ForName[Bus, time.Duration]("handlerTimeout")
	// WithStrict makes any handler failure fail the whole Emit instead of
	// being isolated to that handler.
	WithStrict = opts.ForName[Bus, bool]("strict")
	// WithWorkers sets the size of the pool that runs blocking handlers.
	WithWorkers = opts.ForName[Bus, int]("workers")
	// WithInboxSize sets the capacity of the foreign-thread submission queue.
	WithInboxSize = opts.ForName[Bus, int]("inboxSize")
	// WithMetrics installs a metrics recorder.
	WithMetrics = opts.ForName[Bus, metrics.Recorder]("recorder")
	// WithLogger installs the bus logger.
	WithLogger = opts.ForName[Bus, *slog.Logger]("log")
)

// New creates a bus over the given topic registry and starts its worker pool
// and inbox pump. The handler-failure report topic is registered here so it
// is always available.
func New(registry *events.Registry, options ...opts.Option[Bus]) (*Bus, error) {
	if registry == nil {
		return nil, fmt.Errorf("bus: registry is required")
	}
	b := &Bus{
		registry:       registry,
		topics:         haxmap.New[string, *haxmap.Map[string, *subscription]](),
		handlerTimeout: defaultHandlerTimeout,
		workers:        defaultWorkers,
		inboxSize:      defaultInboxSize,
		recorder:       metrics.Nop(),
		log:            slog.Default(),
		done:           make(chan struct{}),
	}
	if err := opts.Apply(b, options); err != nil {
		return nil, err
	}
	if b.handlerTimeout <= 0 {
		return nil, fmt.Errorf("bus: handler timeout must be positive")
	}
	if b.workers < 1 {
		return nil, fmt.Errorf("bus: worker pool needs at least one worker")
	}
	if err := events.Register[events.HandlerFailed](registry, events.TopicHandlerFailed, 1); err != nil {
		return nil, err
	}

	b.jobs = make(chan job, b.workers*2)
	b.inbox = make(chan submission, b.inboxSize)
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.wg.Add(1)
	go b.pump()
	return b, nil
}

// Registry returns the topic registry the bus validates against.
func (b *Bus) Registry() *events.Registry { return b.registry }

// Subscribe registers handler for topic and returns its identity handle. The
// subscription is visible to the next Emit before Subscribe returns. It
// fails loudly with ErrClosed once the bus is shut down.
func (b *Bus) Subscribe(topic events.Topic, handler Handler, options ...opts.Option[SubscribeConfig]) (SubscriptionHandle, error) {
	if b.closed.Load() {
		return SubscriptionHandle{}, ErrClosed
	}
	if topic == "" {
		return SubscriptionHandle{}, fmt.Errorf("bus: topic is required")
	}
	if handler == nil {
		return SubscriptionHandle{}, fmt.Errorf("bus: handler is required")
	}
	var cfg SubscribeConfig
	if err := opts.Apply(&cfg, options); err != nil {
		return SubscriptionHandle{}, err
	}

	sub := &subscription{
		id:       uuidx.NewString(),
		topic:    topic,
		handler:  handler,
		blocking: cfg.Blocking,
		name:     cfg.Name,
	}
	subs, _ := b.topics.GetOrCompute(string(topic), func() *haxmap.Map[string, *subscription] {
		return haxmap.New[string, *subscription]()
	})
	subs.Set(sub.id, sub)

	// A shutdown may have raced the registration; drop it again so no
	// handler survives the bus.
	if b.closed.Load() {
		subs.Del(sub.id)
		return SubscriptionHandle{}, ErrClosed
	}
	return SubscriptionHandle{id: sub.id, topic: topic}, nil
}

// Unsubscribe removes exactly the subscription identified by handle. Calling
// it with a zero handle, or for a subscription that is already gone, is a
// no-op.
func (b *Bus) Unsubscribe(handle SubscriptionHandle) {
	if handle.IsZero() {
		return
	}
	if subs, ok := b.topics.Get(string(handle.topic)); ok {
		subs.Del(handle.id)
	}
}

// Shutdown cancels pending dispatch work, removes every subscription, and
// makes subsequent Subscribe, Emit, and Post calls fail with ErrClosed. It
// is idempotent; the context bounds how long it waits for in-flight work.
func (b *Bus) Shutdown(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()
	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = fmt.Errorf("bus: shutdown interrupted: %w", ctx.Err())
	}

	b.topics.ForEach(func(topic string, subs *haxmap.Map[string, *subscription]) bool {
		subs.ForEach(func(id string, _ *subscription) bool {
			subs.Del(id)
			return true
		})
		b.topics.Del(topic)
		return true
	})
	return err
}

// subscribers snapshots the handlers registered for topic at call time.
// Handlers registered concurrently with an in-flight Emit may or may not see
// that event; handlers registered before the Emit always do.
func (b *Bus) subscribers(topic events.Topic) []*subscription {
	subs, ok := b.topics.Get(string(topic))
	if !ok {
		return nil
	}
	out := make([]*subscription, 0, subs.Len())
	subs.ForEach(func(_ string, sub *subscription) bool {
		out = append(out, sub)
		return true
	})
	return out
}
