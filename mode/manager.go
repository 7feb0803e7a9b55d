// Package mode implements the system-mode state machine as a service. The
// Manager is the sole owner of the current mode; it changes it only through
// a transactional event sequence — started, grace period, completed — so
// that no observer can see a mode flip before it had a chance to prepare,
// and a failed transition is always announced rather than half-applied.
package mode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/animus-bot/animus/bus"
	"github.com/animus-bot/animus/events"
	"github.com/animus-bot/animus/internal/metrics"
	"github.com/animus-bot/animus/pkg/slogx"
	"github.com/animus-bot/animus/pkg/uuidx"
	"github.com/animus-bot/animus/service"
	"github.com/fogfish/opts"
	"github.com/google/uuid"
)

const defaultGracePeriod = 200 * time.Millisecond

// Outcome says what RequestTransition did.
type Outcome string

const (
	// OutcomeCompleted means the mode changed and the completed event was
	// committed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeNoop means the target already was the current mode; nothing
	// was emitted.
	OutcomeNoop Outcome = "noop"
)

// TransitionResult describes a finished transition request.
type TransitionResult struct {
	TransitionID uuid.UUID
	From         Mode
	To           Mode
	Outcome      Outcome
}

// Manager owns the current Mode. It is an ordinary service from the bus's
// point of view: it subscribes to mode/transition/request and emits the
// transition event sequence everyone else keys their behavior on.
type Manager struct {
	bus         *bus.Bus
	grace       time.Duration
	transitions map[Mode][]Mode
	recorder    metrics.Recorder
	log         *slog.Logger

	mu      sync.Mutex
	current Mode
}

var (
	// WithInitialMode sets the mode the system boots into.
	WithInitialMode = opts.ForName[Manager, Mode]("current")
	// WithGracePeriod sets the pause between the started and completed
	// events, during which subscribers wind down behavior tied to the old
	// mode.
	WithGracePeriod = opts.ForName[Manager, time.Duration]("grace")
	// WithTransitions replaces the default transition table.
	WithTransitions = opts.ForName[Manager, map[Mode][]Mode]("transitions")
	// WithMetrics installs a metrics recorder.
	WithMetrics = opts.ForName[Manager, metrics.Recorder]("recorder")
	// WithLogger installs the manager logger.
	WithLogger = opts.ForName[Manager, *slog.Logger]("log")
)

var _ service.Runner = (*Manager)(nil)

// New creates a Manager on b and registers the mode-transition topic family.
func New(b *bus.Bus, options ...opts.Option[Manager]) (*Manager, error) {
	if b == nil {
		return nil, fmt.Errorf("mode: bus is required")
	}
	m := &Manager{
		bus:         b,
		grace:       defaultGracePeriod,
		transitions: DefaultTransitions(),
		recorder:    metrics.Nop(),
		log:         slog.Default(),
		current:     ModeIdle,
	}
	if err := opts.Apply(m, options); err != nil {
		return nil, err
	}
	if m.grace < 0 {
		return nil, fmt.Errorf("mode: grace period must not be negative")
	}
	if _, err := Parse(string(m.current)); err != nil {
		return nil, err
	}
	if err := events.RegisterMode(b.Registry()); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the mode the system is in. During an in-flight transition
// Current blocks until the transition settles, so callers never observe a
// mode that may still revert.
func (m *Manager) Current() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// OnStart subscribes the manager to transition requests. The handler only
// validates and hands off: the transition itself, with its grace period, can
// outlast the bus's per-handler timeout, so it runs as a tracked task on the
// service's own context instead of the dispatch deadline.
func (m *Manager) OnStart(_ context.Context, svc *service.Service) error {
	_, err := svc.Subscribe(events.TopicModeTransitionRequest, func(ctx context.Context, evt events.Envelope) error {
		req := evt.Payload.(events.ModeTransitionRequested)
		target, err := Parse(req.Target)
		if err != nil {
			return err
		}
		cid, hasConversation := events.ConversationFrom(ctx)
		svc.Go("transition", func(ctx context.Context) {
			if hasConversation {
				ctx = events.WithConversation(ctx, cid)
			}
			if _, err := m.RequestTransition(ctx, target); err != nil {
				m.log.Warn("requested transition failed",
					slogx.Mode(string(target)), slog.String("source", req.Source), slogx.Error(err))
			}
		})
		return nil
	}, bus.WithSubscriberName("mode-manager"))
	return err
}

// OnStop has nothing to release; the service wrapper removes the
// subscription and waits for in-flight transitions.
func (m *Manager) OnStop(context.Context) error { return nil }

// RequestTransition moves the system to target through the transactional
// event sequence. Requesting the current mode is a successful no-op; a
// target with no path from the current mode fails with
// *UndefinedTransitionError. On any failure after the started event the
// transaction is rolled back with a mode/transition/failed event and the
// current mode is left unchanged.
//
// Transitions are serialized: a second request blocks until the first one
// settles.
func (m *Manager) RequestTransition(ctx context.Context, target Mode) (TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.current
	if target == old {
		return TransitionResult{From: old, To: target, Outcome: OutcomeNoop}, nil
	}
	if !allowed(m.transitions, old, target) {
		m.recorder.ModeTransition(string(old), string(target), "rejected")
		return TransitionResult{}, &UndefinedTransitionError{From: old, To: target}
	}

	tid := uuidx.New()
	m.log.Info("mode transition started",
		slogx.Mode(string(target)), slog.String("from", string(old)),
		slogx.EventID(tid.String()))

	tx := m.bus.Begin()
	if _, err := tx.Emit(ctx, events.TopicModeTransitionStarted, events.ModeTransitionStarted{
		TransitionID: tid, From: string(old), To: string(target),
	}); err != nil {
		return TransitionResult{}, m.fail(ctx, tx, tid, old, target, err)
	}

	// Grace period: subscribers that reacted to started get this long to
	// stop producing side effects tied to the old mode.
	if err := m.wait(ctx); err != nil {
		return TransitionResult{}, m.fail(ctx, tx, tid, old, target, err)
	}

	m.current = target
	completed := events.ModeTransitionCompleted{
		TransitionID: tid, From: string(old), To: string(target),
	}
	if err := tx.Add(events.TopicModeTransitionCompleted, completed); err != nil {
		m.current = old
		return TransitionResult{}, m.fail(ctx, tx, tid, old, target, err)
	}
	if err := tx.Commit(ctx); err != nil {
		m.current = old
		return TransitionResult{}, m.fail(ctx, tx, tid, old, target, err)
	}

	m.recorder.ModeTransition(string(old), string(target), string(OutcomeCompleted))
	return TransitionResult{TransitionID: tid, From: old, To: target, Outcome: OutcomeCompleted}, nil
}

func (m *Manager) wait(ctx context.Context) error {
	if m.grace == 0 {
		return nil
	}
	timer := time.NewTimer(m.grace)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mode: grace period interrupted: %w", ctx.Err())
	}
}

// fail rolls the transaction back, emitting the failed event as the
// compensating signal, and returns the original error wrapped with the
// transition context.
func (m *Manager) fail(ctx context.Context, tx *bus.Transaction, tid uuid.UUID, old, target Mode, cause error) error {
	m.recorder.ModeTransition(string(old), string(target), "failed")
	rollbackErr := tx.Rollback(ctx, bus.Emission{
		Topic: events.TopicModeTransitionFailed,
		Payload: events.ModeTransitionFailed{
			TransitionID: tid,
			From:         string(old),
			To:           string(target),
			Reason:       cause.Error(),
		},
	})
	if rollbackErr != nil {
		m.log.Error("transition rollback failed",
			slogx.Mode(string(target)), slogx.Error(rollbackErr))
	}
	return fmt.Errorf("mode: transition %s -> %s: %w", old, target, cause)
}
