package valet

import (
	"context"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7/pkg/s3utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-valet/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
	"github.com/StricklySoft/stricklysoft-valet/pkg/observability"
)

const tracerName = "github.com/StricklySoft/stricklysoft-valet/pkg/valet"

// Defaults for [Config].
const (
	DefaultContainer  = "uploads"
	DefaultHalfWindow = 3 * time.Minute
)

// Config configures an [Issuer].
type Config struct {
	// Container receives uploads when the caller does not name one.
	Container string `yaml:"container" json:"container" env:"CONTAINER" envDefault:"uploads"`

	// Containers lists the other containers a caller may name. Any
	// container outside this list and Container is refused.
	Containers []string `yaml:"containers" json:"containers" env:"CONTAINERS"`

	// HalfWindow is how far either side of the issuance instant a key
	// is valid. The full window is twice this.
	HalfWindow time.Duration `yaml:"half_window" json:"half_window" env:"HALF_WINDOW" envDefault:"3m"`
}

// Validate applies defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.Container == "" {
		c.Container = DefaultContainer
	}
	if c.HalfWindow == 0 {
		c.HalfWindow = DefaultHalfWindow
	}
	if c.HalfWindow < 0 {
		return sserr.New(sserr.CodeValidation, "valet: half_window must be positive")
	}
	for _, name := range append([]string{c.Container}, c.Containers...) {
		if err := validContainer(name); err != nil {
			return err
		}
	}
	return nil
}

// Option customizes an [Issuer].
type Option func(*Issuer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithIDGenerator replaces the random resource suffix generator.
func WithIDGenerator(newID func() string) Option {
	return func(i *Issuer) { i.newID = newID }
}

// Issuer mints capability tokens. It is safe for concurrent use.
type Issuer struct {
	storage    Storage
	container  string
	allowed    []string
	halfWindow time.Duration
	now        func() time.Time
	newID      func() string
	tracer     trace.Tracer
}

// NewIssuer returns an Issuer backed by storage.
func NewIssuer(storage Storage, cfg Config, opts ...Option) (*Issuer, error) {
	if storage == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "valet: storage is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	i := &Issuer{
		storage:    storage,
		container:  cfg.Container,
		allowed:    slices.Clone(cfg.Containers),
		halfWindow: cfg.HalfWindow,
		now:        time.Now,
		newID:      uuid.NewString,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Container returns the default upload container.
func (i *Issuer) Container() string { return i.container }

// Issue mints a token that lets identity create one new object in
// container ("" selects the default container). Only the default and the
// configured [Config.Containers] may be named. The object path is
// "<userId>/<random id>" and the token is valid for the half window
// either side of now.
//
// Errors:
//   - [sserr.CodeAuthenticationNoCredentials] when identity is not authenticated
//   - [sserr.CodeValidationFormat] for an unusable container name
//   - [sserr.CodeAuthorizationDenied] for a container outside the allow-list
//   - [sserr.CodeDelegationKeyUnavailable] when storage cannot provide or use a key
func (i *Issuer) Issue(ctx context.Context, identity *auth.Identity, container string) (_ *CapabilityToken, err error) {
	ctx, span := i.tracer.Start(ctx, "valet.Issue")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observability.ValetKeysIssuedTotal.WithLabelValues(observability.OutcomeError).Inc()
		} else {
			observability.ValetKeysIssuedTotal.WithLabelValues(observability.OutcomeSuccess).Inc()
		}
		span.End()
	}()

	if !identity.Authenticated() {
		return nil, sserr.New(sserr.CodeAuthenticationNoCredentials, "valet: identity is not authenticated")
	}
	if container == "" {
		container = i.container
	}
	if err := validContainer(container); err != nil {
		return nil, err
	}
	if container != i.container && !slices.Contains(i.allowed, container) {
		return nil, sserr.Newf(sserr.CodeAuthorizationDenied, "valet: container %q is not open for uploads", container)
	}

	now := i.now()
	scope := Scope{
		Container:  container,
		Path:       url.PathEscape(identity.UserID) + "/" + i.newID(),
		Operations: []Operation{OperationCreate},
		ValidFrom:  now.Add(-i.halfWindow),
		ValidTo:    now.Add(i.halfWindow),
	}
	span.SetAttributes(
		attribute.String("valet.container", scope.Container),
		attribute.String("valet.user_id", identity.UserID),
	)

	start := time.Now()
	key, err := i.storage.DelegationKey(ctx, scope)
	observability.DelegationKeyLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, unavailable(err, "valet: delegation key unavailable")
	}

	// The key may be longer-lived than requested; the token never is.
	if key.ValidFrom.After(scope.ValidFrom) {
		scope.ValidFrom = key.ValidFrom
	}
	if !key.ValidTo.IsZero() && key.ValidTo.Before(scope.ValidTo) {
		scope.ValidTo = key.ValidTo
	}
	if !scope.ValidTo.After(now) {
		return nil, sserr.New(sserr.CodeDelegationKeyUnavailable, "valet: delegation key already expired")
	}

	blobURI, signature, err := i.storage.Sign(ctx, key, scope)
	if err != nil {
		return nil, unavailable(err, "valet: signing failed")
	}

	return &CapabilityToken{
		BlobURI:             blobURI,
		Signature:           signature,
		ValidFrom:           scope.ValidFrom,
		ValidTo:             scope.ValidTo,
		PermittedOperations: scope.Operations,
	}, nil
}

// unavailable reports any storage failure as DelegationKeyUnavailable,
// keeping the underlying code as a detail.
func unavailable(err error, message string) error {
	wrapped := sserr.Wrap(err, sserr.CodeDelegationKeyUnavailable, message)
	if code := sserr.GetCode(err); code != "" {
		wrapped = wrapped.WithDetail("cause_code", string(code))
	}
	return wrapped
}

func validContainer(name string) error {
	if err := s3utils.CheckValidBucketNameStrict(name); err != nil {
		return sserr.Wrapf(err, sserr.CodeValidationFormat, "valet: invalid container name %q", name)
	}
	return nil
}
