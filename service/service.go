// Package service defines the lifecycle contract every component of the
// runtime obeys. A Service wraps one domain concern, owns only its private
// state, and communicates with the rest of the system exclusively through
// the event bus. The base Start and Stop drive the status machine and are
// not extension points; concrete components implement Runner and put all of
// their subscription registration in OnStart and all of their cleanup in
// OnStop.
package service

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
	"github.com/fogfish/opts"
)

// Status is a service's position in its lifecycle.
type Status string

const (
	StatusCreated  Status = "created"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Runner is the pair of extension points a concrete service implements.
//
// OnStart performs initialization and registers every subscription the
// service needs, via svc.Subscribe, before returning; there is no later
// moment where registering is safe against missed events. OnStop cancels the
// work the service spawned and releases external resources; the base Stop
// removes the service's subscriptions and waits for its tracked tasks
// regardless of what OnStop does.
type Runner interface {
	OnStart(ctx context.Context, svc *Service) error
	OnStop(ctx context.Context) error
}

// LifecycleError reports a service that failed to start or stop cleanly. It
// always propagates to the supervisor; a failed startup is never silently
// swallowed.
type LifecycleError struct {
	Service string
	Op      string
	Err     error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("service %s: %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// Service is the non-overridable lifecycle wrapper around a Runner. It owns
// the status machine, the set of subscriptions the runner registered, and
// the background tasks the runner spawned, and it emits a status event on
// service/<name>/status on every status change — on change only, never
// periodically.
type Service struct {
	name   string
	runner Runner
	bus    *bus.Bus

	heartbeat time.Duration
	log       *slog.Logger
	recorder  metrics.Recorder

	mu      sync.Mutex
	status  Status
	subs    []bus.SubscriptionHandle
	started time.Time
	taskCtx context.Context
	cancel  context.CancelFunc
	tasks   sync.WaitGroup
}

var (
	// WithHeartbeat enables the liveness heartbeat at the given interval.
	// Heartbeats are rate-limited by this interval independently of
	// status-change events; zero disables them.
	WithHeartbeat = opts.ForName[Service, time.Duration]("heartbeat")
	// WithLogger installs the service logger.
	WithLogger = opts.ForName[Service, *slog.Logger]("log")
	// WithMetrics installs a metrics recorder.
	WithMetrics = opts.ForName[Service, metrics.Recorder]("recorder")
)

// New wraps runner in the lifecycle contract and registers the service's
// status (and, if enabled, heartbeat) topics. Only the supervisor's owner
// should create services; the service alone mutates its own status from
// here on.
func New(name string, runner Runner, b *bus.Bus, options ...opts.Option[Service]) (*Service, error) {
	if name == "" {
		return nil, fmt.Errorf("service: name is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("service %s: runner is required", name)
	}
	if b == nil {
		return nil, fmt.Errorf("service %s: bus is required", name)
	}
	s := &Service{
		name:     name,
		runner:   runner,
		bus:      b,
		status:   StatusCreated,
		log:      slog.Default(),
		recorder: metrics.Nop(),
	}
	if err := opts.Apply(s, options); err != nil {
		return nil, err
	}
	if err := events.Register[events.ServiceStatusChanged](b.Registry(), events.ServiceStatusTopic(name), 1); err != nil {
		return nil, err
	}
	if s.heartbeat > 0 {
		if err := events.Register[events.ServiceHeartbeat](b.Registry(), events.ServiceHeartbeatTopic(name), 1); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Name returns the service's unique name.
func (s *Service) Name() string { return s.name }

// Bus returns the event bus handle the service was constructed with.
func (s *Service) Bus() *bus.Bus { return s.bus }

// Status returns the current lifecycle status.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start drives CREATED through STARTING to RUNNING. A failure inside
// OnStart moves the service to ERROR, tears down anything it registered,
// and returns a LifecycleError for the supervisor to act on.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusCreated {
		status := s.status
		s.mu.Unlock()
		return &LifecycleError{Service: s.name, Op: "start",
			Err: fmt.Errorf("cannot start from status %q", status)}
	}
	s.taskCtx, s.cancel = context.WithCancel(context.Background())
	s.started = time.Now()
	s.mu.Unlock()
	s.setStatus(StatusStarting, "")

	if err := s.runner.OnStart(ctx, s); err != nil {
		s.setStatus(StatusError, err.Error())
		s.removeSubscriptions()
		s.cancelTasks()
		if waitErr := s.awaitTasks(ctx); waitErr != nil {
			s.log.Warn("tasks outlived failed start", slogx.Service(s.name), slogx.Error(waitErr))
		}
		return &LifecycleError{Service: s.name, Op: "start", Err: err}
	}

	s.setStatus(StatusRunning, "")
	if s.heartbeat > 0 {
		s.Go("heartbeat", s.heartbeatLoop)
	}
	return nil
}

// Stop drives RUNNING (or DEGRADED) through STOPPING to STOPPED. Even when
// OnStop fails, cleanup continues best-effort: tasks are cancelled and every
// subscription the service owns is removed before the error is returned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusStopped:
		s.mu.Unlock()
		return nil
	case StatusRunning, StatusDegraded:
	default:
		status := s.status
		s.mu.Unlock()
		return &LifecycleError{Service: s.name, Op: "stop",
			Err: fmt.Errorf("cannot stop from status %q", status)}
	}
	s.mu.Unlock()
	s.setStatus(StatusStopping, "")

	s.cancelTasks()
	stopErr := s.runner.OnStop(ctx)
	s.removeSubscriptions()

	if err := s.awaitTasks(ctx); err != nil {
		s.setStatus(StatusError, "task cleanup timed out")
		return &LifecycleError{Service: s.name, Op: "stop", Err: err}
	}

	if stopErr != nil {
		s.setStatus(StatusError, stopErr.Error())
		return &LifecycleError{Service: s.name, Op: "stop", Err: stopErr}
	}
	s.setStatus(StatusStopped, "")
	return nil
}

// Degrade flags a recoverable partial failure: the service keeps processing
// events but advertises reduced confidence.
func (s *Service) Degrade(reason string) {
	s.mu.Lock()
	running := s.status == StatusRunning
	s.mu.Unlock()
	if running {
		s.setStatus(StatusDegraded, reason)
	}
}

// Recover returns a degraded service to RUNNING.
func (s *Service) Recover() {
	s.mu.Lock()
	degraded := s.status == StatusDegraded
	s.mu.Unlock()
	if degraded {
		s.setStatus(StatusRunning, "")
	}
}

// Subscribe registers a handler on the bus and records the handle so the
// subscription is removed when the service stops. Runners call this from
// OnStart.
func (s *Service) Subscribe(topic events.Topic, handler bus.Handler, options ...opts.Option[bus.SubscribeConfig]) (bus.SubscriptionHandle, error) {
	handle, err := s.bus.Subscribe(topic, handler, options...)
	if err != nil {
		return bus.SubscriptionHandle{}, err
	}
	s.mu.Lock()
	s.subs = append(s.subs, handle)
	s.mu.Unlock()
	return handle, nil
}

// Go spawns a tracked background task tied to the service's lifetime. The
// context passed to fn is cancelled when the service stops; Stop waits for
// every tracked task to return. Calls before Start or after cancellation are
// no-ops, so a caller racing a shutdown (a websocket handshake landing while
// the service stops) cannot add a task the stop will not wait for.
func (s *Service) Go(name string, fn func(ctx context.Context)) {
	s.mu.Lock()
	ctx := s.taskCtx
	if ctx == nil || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	// Registered under the same lock cancelTasks takes, so the waiter can
	// never miss a task that passed the check above.
	s.tasks.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("task panicked",
					slogx.Service(s.name), slog.String("task", name), slog.Any("panic", r))
			}
		}()
		fn(ctx)
	}()
}

// cancelTasks cancels the task context under the mutex so that, from this
// point on, Go refuses new tasks rather than racing the pending wait.
func (s *Service) cancelTasks() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
}

// awaitTasks waits for every tracked task, bounded by ctx.
func (s *Service) awaitTasks(ctx context.Context) error {
	waited := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks did not finish: %w", ctx.Err())
	}
}

func (s *Service) removeSubscriptions() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, handle := range subs {
		s.bus.Unsubscribe(handle)
	}
}

// setStatus transitions the status and emits the status-changed event. The
// emission happens only when the status actually changes.
func (s *Service) setStatus(to Status, reason string) {
	s.mu.Lock()
	from := s.status
	if from == to {
		s.mu.Unlock()
		return
	}
	s.status = to
	s.mu.Unlock()

	s.recorder.ServiceStatus(s.name, string(to))
	s.log.Info("status changed",
		slogx.Service(s.name), slog.String("from", string(from)), slog.String("to", string(to)))

	payload := events.ServiceStatusChanged{
		Service: s.name,
		From:    string(from),
		To:      string(to),
		Reason:  reason,
	}
	if _, err := s.bus.Emit(context.Background(), events.ServiceStatusTopic(s.name), payload); err != nil {
		// During shutdown the bus may already be gone; the log line is the
		// remaining record.
		s.log.Debug("status event not emitted", slogx.Service(s.name), slogx.Error(err))
	}
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			uptime := time.Since(s.started)
			s.mu.Unlock()
			payload := events.ServiceHeartbeat{
				Service:       s.name,
				Status:        string(s.Status()),
				UptimeSeconds: uptime.Seconds(),
			}
			if _, err := s.bus.Emit(ctx, events.ServiceHeartbeatTopic(s.name), payload); err != nil {
				s.log.Debug("heartbeat not emitted", slogx.Service(s.name), slogx.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
