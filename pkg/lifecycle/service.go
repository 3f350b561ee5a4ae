package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

const tracerName = "github.com/StricklySoft/stricklysoft-valet/pkg/lifecycle"

// StateChangeHandler observes transitions. Handlers run synchronously under
// the state mutex, so they must not call back into the [Service]. A
// panicking handler is recovered and logged.
type StateChangeHandler func(old, new State)

// Hook runs during Start or Stop. A start hook error aborts the start and
// fails the service.
type Hook func(ctx context.Context) error

// Check is a readiness probe for a dependency.
type Check func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

type namedCheck struct {
	name string
	fn   Check
}

// Info is a point-in-time snapshot of a service, suitable for JSON.
type Info struct {
	Name      string        `json:"name"`
	Version   string        `json:"version"`
	State     State         `json:"state"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Service drives the process through its lifecycle. Build one with
// [NewBuilder]. It is safe for concurrent use.
type Service struct {
	name    string
	version string

	mu        sync.RWMutex
	state     State
	startedAt *time.Time
	lastErr   error

	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time

	startHooks    []namedHook
	stopHooks     []namedHook
	checks        []namedCheck
	stateHandlers []StateChangeHandler
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Version returns the service version.
func (s *Service) Version() string { return s.version }

// State returns the current state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a snapshot of the service.
func (s *Service) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{Name: s.name, Version: s.version, State: s.state}
	if s.startedAt != nil && s.state == StateRunning {
		t := *s.startedAt
		info.StartedAt = &t
		info.Uptime = s.now().Sub(t)
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// SetState moves the service to next. Disallowed transitions return
// [sserr.CodeConflict] and leave the state unchanged.
func (s *Service) SetState(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(next)
}

func (s *Service) setStateLocked(next State) error {
	old := s.state
	if !ValidTransition(old, next) {
		return sserr.Newf(sserr.CodeConflict,
			"lifecycle: invalid state transition from %q to %q", old, next)
	}
	s.state = next

	for _, h := range s.stateHandlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("lifecycle: state change handler panicked",
						"panic", r,
						"service", s.name,
						"old_state", string(old),
						"new_state", string(next),
					)
				}
			}()
			h(old, next)
		}()
	}
	return nil
}

// Fail records err and moves the service to [StateFailed]. It is a no-op
// when the service is already terminal.
func (s *Service) Fail(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return
	}
	s.lastErr = err
	s.startedAt = nil
	if setErr := s.setStateLocked(StateFailed); setErr == nil {
		s.logger.ErrorContext(ctx, "lifecycle: service failed",
			"service", s.name,
			"error", err,
		)
	}
}

// Start moves the service through [StateStarting] to [StateRunning],
// running the start hooks in registration order. Start is allowed from
// Unknown, Stopped and Failed; anything else returns [sserr.CodeConflict].
//
// A failing hook stops the sequence, moves the service to [StateFailed]
// and returns [sserr.CodeInternal] with the hook name in the details.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "lifecycle.Start")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return recordErr(span, sserr.Wrap(err, sserr.CodeTimeout,
			"lifecycle: start canceled before execution"))
	}
	if err := s.SetState(StateStarting); err != nil {
		return recordErr(span, err)
	}

	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "lifecycle: starting service",
		"service", s.name,
		"version", s.version,
	)

	for _, h := range s.startHooks {
		began := s.now()
		if err := h.fn(ctx); err != nil {
			wrapped := sserr.Wrap(err, sserr.CodeInternal, "lifecycle: start hook failed").
				WithDetail("hook", h.name)
			s.Fail(ctx, wrapped)
			return recordErr(span, wrapped)
		}
		s.logger.DebugContext(ctx, "lifecycle: start hook completed",
			"service", s.name,
			"hook", h.name,
			"duration", s.now().Sub(began),
		)
	}

	s.mu.Lock()
	if err := s.setStateLocked(StateRunning); err != nil {
		// Stop or Fail won the race while hooks were running.
		s.mu.Unlock()
		return recordErr(span, err)
	}
	now := s.now().UTC()
	s.startedAt = &now
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "lifecycle: service started", "service", s.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Stop moves the service through [StateStopping] to [StateStopped],
// running the stop hooks in reverse registration order. Every hook runs
// even when an earlier one fails; failures are joined, the service ends in
// [StateFailed] and the error carries [sserr.CodeInternal].
//
// Stop on a terminal or never-started service is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "lifecycle.Stop")
	defer span.End()

	switch st := s.State(); {
	case st.IsTerminal(), st == StateUnknown:
		span.SetStatus(codes.Ok, "")
		return nil
	}

	if err := s.SetState(StateStopping); err != nil {
		return recordErr(span, err)
	}
	s.logger.InfoContext(ctx, "lifecycle: stopping service", "service", s.name)

	var errs []error
	for _, h := range slices.Backward(s.stopHooks) {
		if err := h.fn(ctx); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle: stop hook failed",
				"service", s.name,
				"hook", h.name,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		wrapped := sserr.Wrap(errors.Join(errs...), sserr.CodeInternal, "lifecycle: stop hook failed")
		s.Fail(ctx, wrapped)
		return recordErr(span, wrapped)
	}

	s.mu.Lock()
	err := s.setStateLocked(StateStopped)
	s.startedAt = nil
	s.mu.Unlock()
	if err != nil {
		return recordErr(span, err)
	}

	s.logger.InfoContext(ctx, "lifecycle: service stopped", "service", s.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Health is the liveness probe: it fails only once the service has failed.
func (s *Service) Health(context.Context) error {
	if st := s.State(); st == StateFailed {
		return sserr.New(sserr.CodeUnavailable, "lifecycle: service has failed")
	}
	return nil
}

// Ready is the readiness probe. It returns [sserr.CodeUnavailable] unless
// the service is Running and every check passes. Checks run concurrently;
// the first failure is returned with the check name in the details.
func (s *Service) Ready(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "lifecycle.Ready")
	defer span.End()

	if st := s.State(); st != StateRunning {
		return recordErr(span, sserr.Newf(sserr.CodeUnavailable,
			"lifecycle: service is not running, current state is %q", st))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.checks {
		g.Go(func() error {
			if err := c.fn(gctx); err != nil {
				return sserr.Wrap(err, sserr.CodeUnavailable, "lifecycle: readiness check failed").
					WithDetail("check", c.name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return recordErr(span, err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.name", s.name),
			attribute.String("service.version", s.version),
		),
	)
}

func recordErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
