// Package supervisor owns ordered startup and shutdown of the runtime's
// services. Dependency order is expressed explicitly by the caller through
// Add; the supervisor starts services sequentially in that order and stops
// them in reverse, cascading cleanup when a startup fails partway.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-bot/animus/bus"
	"github.com/animus-bot/animus/pkg/slogx"
	"github.com/animus-bot/animus/service"
	"github.com/fogfish/opts"
)

const defaultStopTimeout = 5 * time.Second

// Supervisor instantiates nothing itself; it drives the lifecycle of the
// services handed to it and owns the bus they share, shutting the bus down
// after the last service has stopped.
type Supervisor struct {
	bus         *bus.Bus
	stopTimeout time.Duration
	log         *slog.Logger

	services []*service.Service
	started  []*service.Service
}

var (
	// WithStopTimeout bounds each service's Stop during shutdown; a service
	// whose cleanup does not finish in time is reported as failed rather
	// than deadlocking the shutdown.
	WithStopTimeout = opts.ForName[Supervisor, time.Duration]("stopTimeout")
	// WithLogger installs the supervisor logger.
	WithLogger = opts.ForName[Supervisor, *slog.Logger]("log")
)

// New creates a supervisor owning b.
func New(b *bus.Bus, options ...opts.Option[Supervisor]) (*Supervisor, error) {
	if b == nil {
		return nil, fmt.Errorf("supervisor: bus is required")
	}
	s := &Supervisor{
		bus:         b,
		stopTimeout: defaultStopTimeout,
		log:         slog.Default(),
	}
	if err := opts.Apply(s, options); err != nil {
		return nil, err
	}
	return s, nil
}

// Add appends services in dependency order: a service must be added after
// every service whose events it depends on at startup.
func (s *Supervisor) Add(svcs ...*service.Service) {
	s.services = append(s.services, svcs...)
}

// Start starts every added service sequentially. If one fails, every service
// that had already started is stopped again in reverse order and the
// original failure is returned; cleanup failures during the unwind are
// logged, not allowed to mask it.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, svc := range s.services {
		s.log.Info("starting service", slogx.Service(svc.Name()))
		if err := svc.Start(ctx); err != nil {
			s.log.Error("service failed to start", slogx.Service(svc.Name()), slogx.Error(err))
			s.unwind(ctx)
			return err
		}
		s.started = append(s.started, svc)
	}
	return nil
}

// Stop stops every started service in reverse startup order, bounding each
// by the stop timeout, then shuts the bus down. Individual stop failures are
// collected into the aggregate result, never swallowed.
func (s *Supervisor) Stop(ctx context.Context) error {
	var errs []error
	for i := len(s.started) - 1; i >= 0; i-- {
		svc := s.started[i]
		s.log.Info("stopping service", slogx.Service(svc.Name()))
		if err := s.stopOne(ctx, svc); err != nil {
			errs = append(errs, err)
		}
	}
	s.started = nil

	if err := s.bus.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Supervisor) stopOne(ctx context.Context, svc *service.Service) error {
	stopCtx, cancel := context.WithTimeout(ctx, s.stopTimeout)
	defer cancel()
	return svc.Stop(stopCtx)
}

func (s *Supervisor) unwind(ctx context.Context) {
	for i := len(s.started) - 1; i >= 0; i-- {
		svc := s.started[i]
		if err := s.stopOne(ctx, svc); err != nil {
			s.log.Error("cleanup stop failed", slogx.Service(svc.Name()), slogx.Error(err))
		}
	}
	s.started = nil
}
