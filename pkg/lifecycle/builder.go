package lifecycle

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

// Builder constructs a [Service]. All methods return the builder for
// chaining; [Builder.Build] validates and produces the service.
//
//	svc, err := lifecycle.NewBuilder("valetd", version).
//	    WithStartHook("key-cache", func(ctx context.Context) error {
//	        _, err := keys.Keys(ctx)
//	        return err
//	    }).
//	    WithStartHook("bucket", store.EnsureBucket).
//	    WithStopHook("minio", func(context.Context) error { return store.Close() }).
//	    WithCheck("minio", store.Health).
//	    Build()
type Builder struct {
	name          string
	version       string
	logger        *slog.Logger
	now           func() time.Time
	startHooks    []namedHook
	stopHooks     []namedHook
	checks        []namedCheck
	stateHandlers []StateChangeHandler
}

// NewBuilder starts a builder for the named service.
func NewBuilder(name, version string) *Builder {
	return &Builder{name: name, version: version}
}

// WithLogger sets the logger. [slog.Default] is used otherwise.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides the clock used for start times and uptime.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithStartHook appends a hook run by [Service.Start]. Hooks run in the
// order they were added.
func (b *Builder) WithStartHook(name string, hook Hook) *Builder {
	b.startHooks = append(b.startHooks, namedHook{name: name, fn: hook})
	return b
}

// WithStopHook appends a hook run by [Service.Stop]. Stop hooks run in
// reverse order, so resources opened first are released last.
func (b *Builder) WithStopHook(name string, hook Hook) *Builder {
	b.stopHooks = append(b.stopHooks, namedHook{name: name, fn: hook})
	return b
}

// WithCheck adds a readiness check consulted by [Service.Ready].
func (b *Builder) WithCheck(name string, check Check) *Builder {
	b.checks = append(b.checks, namedCheck{name: name, fn: check})
	return b
}

// OnStateChange registers a handler called on every transition, in
// registration order.
func (b *Builder) OnStateChange(handler StateChangeHandler) *Builder {
	b.stateHandlers = append(b.stateHandlers, handler)
	return b
}

// Build validates the configuration. It returns [sserr.CodeValidation] for
// an empty name or version, or a nil or unnamed hook or check.
func (b *Builder) Build() (*Service, error) {
	if b.name == "" {
		return nil, sserr.New(sserr.CodeValidation, "lifecycle: service name must not be empty")
	}
	if b.version == "" {
		return nil, sserr.New(sserr.CodeValidation, "lifecycle: service version must not be empty")
	}
	for _, h := range append(append([]namedHook(nil), b.startHooks...), b.stopHooks...) {
		if h.name == "" || h.fn == nil {
			return nil, sserr.Newf(sserr.CodeValidation, "lifecycle: hook %q must have a name and a function", h.name)
		}
	}
	for _, c := range b.checks {
		if c.name == "" || c.fn == nil {
			return nil, sserr.Newf(sserr.CodeValidation, "lifecycle: check %q must have a name and a function", c.name)
		}
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	return &Service{
		name:          b.name,
		version:       b.version,
		state:         StateUnknown,
		tracer:        otel.Tracer(tracerName),
		logger:        logger,
		now:           now,
		startHooks:    append([]namedHook(nil), b.startHooks...),
		stopHooks:     append([]namedHook(nil), b.stopHooks...),
		checks:        append([]namedCheck(nil), b.checks...),
		stateHandlers: append([]StateChangeHandler(nil), b.stateHandlers...),
	}, nil
}
