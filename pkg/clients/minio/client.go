// Package minio is the MinIO realization of the valet storage
// collaborator. It obtains per-issuance delegation keys (STS temporary
// credentials whose session policy allows one PutObject on one object),
// presigns upload URLs with SigV4 query parameters, and manages the upload
// bucket.
//
// # Configuration
//
//	cfg := minio.DefaultConfig()
//	cfg.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
//	cfg.SecretKey = minio.Secret(os.Getenv("MINIO_SECRET_KEY"))
//	client, err := minio.NewClient(*cfg)
//
// For tests, [NewFromStore] injects a mock [ObjectStore] and
// [CredentialProvider].
//
// # Tracing
//
// Every operation creates a client span with db.system "minio". Statements
// are truncated to 100 characters.
package minio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/signer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
	"github.com/StricklySoft/stricklysoft-valet/pkg/valet"
)

const tracerName = "github.com/StricklySoft/stricklysoft-valet/pkg/clients/minio"

// maxPresignExpiry is the longest expiry SigV4 query signing accepts.
const maxPresignExpiry = 7 * 24 * time.Hour

// ObjectStore is the subset of [*minio.Client] used for bucket management.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

var (
	_ ObjectStore   = (*minio.Client)(nil)
	_ valet.Storage = (*Client)(nil)
)

// Client implements [valet.Storage] on MinIO. It is safe for concurrent use.
type Client struct {
	store  ObjectStore
	creds  CredentialProvider
	config *Config
	base   *url.URL
	now    func() time.Time
	tracer trace.Tracer
}

// NewClient validates cfg and builds a client. It does not contact the
// server; call [Client.EnsureBucket] or [Client.Health] for that.
//
// Error codes returned:
//   - VAL_* for an invalid configuration
//   - [sserr.CodeInternalConfiguration] if the minio client cannot be built
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "minio: failed to create client")
	}

	var creds CredentialProvider
	switch cfg.Delegation {
	case DelegationStatic:
		creds = NewStaticProvider(cfg.AccessKey, cfg.SecretKey)
	default:
		creds = NewSTSProvider(cfg.stsEndpoint(), cfg.AccessKey, cfg.SecretKey, cfg.Region, &http.Client{Timeout: 10 * time.Second})
	}
	return NewFromStore(minioClient, creds, &cfg), nil
}

// NewFromStore builds a Client from its collaborators without validation
// beyond applying defaults. A nil cfg is treated as [DefaultConfig].
func NewFromStore(store ObjectStore, creds CredentialProvider, cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.HealthBucket == "" {
		cfg.HealthBucket = DefaultHealthBucket
	}
	switch {
	case cfg.STSDuration == 0:
		cfg.STSDuration = DefaultSTSDuration
	case cfg.STSDuration < MinSTSDuration:
		cfg.STSDuration = MinSTSDuration
	}
	return &Client{
		store:  store,
		creds:  creds,
		config: cfg,
		base:   cfg.publicURL(),
		now:    time.Now,
		tracer: otel.Tracer(tracerName),
	}
}

// DelegationKey implements [valet.Storage]. In sts mode the credentials
// can only perform scope's operations on scope's object. They live for
// [Config.STSDuration], at least an hour; the key's ValidFrom and ValidTo
// carry scope's window clipped to the credential expiry, which is the
// window [Client.Sign] presigns for. Only that presign expiry bounds the
// token.
//
// Error codes returned:
//   - [sserr.CodeTimeoutDependency] if the context deadline is exceeded
//   - [sserr.CodeDelegationKeyUnavailable] for any other provider failure
func (c *Client) DelegationKey(ctx context.Context, scope valet.Scope) (*valet.DelegationKey, error) {
	ctx, span := c.startSpan(ctx, "DelegationKey", scope.Container, fmt.Sprintf("ASSUME %s/%s", scope.Container, scope.Path))

	policy, err := buildSessionPolicy(scope)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}

	v, err := c.creds.Credentials(ctx, policy, c.config.STSDuration)
	if err == nil && (v.AccessKeyID == "" || v.SecretAccessKey == "") {
		err = errors.New("provider returned empty credentials")
	}
	finishSpan(span, err)
	if err != nil {
		return nil, wrapError(err, sserr.CodeDelegationKeyUnavailable, "minio: delegation key request failed")
	}

	key := &valet.DelegationKey{
		AccessKeyID:  v.AccessKeyID,
		SecretKey:    v.SecretAccessKey,
		SessionToken: v.SessionToken,
		ValidFrom:    scope.ValidFrom,
		ValidTo:      scope.ValidTo,
		AccountName:  c.config.accountName(),
	}
	if !v.Expiration.IsZero() && v.Expiration.Before(key.ValidTo) {
		key.ValidTo = v.Expiration
	}
	return key, nil
}

// Sign implements [valet.Storage]. It presigns a PUT of the scoped object
// with key and returns the object URL without its query as the locator
// and the query string as the signature. The signature expires at the end
// of scope's window.
func (c *Client) Sign(ctx context.Context, key *valet.DelegationKey, scope valet.Scope) (string, string, error) {
	_, span := c.startSpan(ctx, "Sign", scope.Container, fmt.Sprintf("PRESIGN PUT %s/%s", scope.Container, scope.Path))

	blobURI, signature, err := c.sign(key, scope)
	finishSpan(span, err)
	return blobURI, signature, err
}

func (c *Client) sign(key *valet.DelegationKey, scope valet.Scope) (string, string, error) {
	if key == nil || key.AccessKeyID == "" || key.SecretKey == "" {
		return "", "", sserr.New(sserr.CodeDelegationKeyUnavailable, "minio: delegation key has no credentials")
	}
	if !scope.Permits(valet.OperationCreate) || len(scope.Operations) != 1 {
		return "", "", sserr.New(sserr.CodeValidation, "minio: only single create scopes can be presigned")
	}

	remaining := scope.ValidTo.Sub(c.now())
	if remaining <= 0 {
		return "", "", sserr.New(sserr.CodeDelegationKeyUnavailable, "minio: scope window has ended")
	}
	remaining = min(remaining, maxPresignExpiry)
	expires := int64(math.Ceil(remaining.Seconds()))

	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + scope.Container + "/" + scope.Path
	u.RawPath = ""
	req, err := http.NewRequest(http.MethodPut, u.String(), nil)
	if err != nil {
		return "", "", sserr.Wrap(err, sserr.CodeInternal, "minio: build presign request")
	}

	signed := signer.PreSignV4(*req, key.AccessKeyID, key.SecretKey, key.SessionToken, c.config.Region, expires)
	locator := *signed.URL
	locator.RawQuery = ""
	return locator.String(), signed.URL.RawQuery, nil
}

// EnsureBucket creates bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	ctx, span := c.startSpan(ctx, "EnsureBucket", bucket, "ENSURE "+bucket)

	exists, err := c.store.BucketExists(ctx, bucket)
	if err == nil && !exists {
		err = c.store.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.config.Region})
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			err = nil
		}
	}
	finishSpan(span, err)
	if err != nil {
		return wrapError(err, sserr.CodeUnavailableDependency, "minio: ensure bucket failed")
	}
	return nil
}

// Health verifies that MinIO answers a BucketExists call. The probed
// bucket does not need to exist. [DefaultHealthTimeout] applies when ctx
// has no deadline.
func (c *Client) Health(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Health", "", "BucketExists "+c.config.HealthBucket)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}

	_, err := c.store.BucketExists(ctx, c.config.HealthBucket)
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "minio: health check failed")
	}
	return nil
}

// Close is a no-op; the client holds no pooled state.
func (c *Client) Close() {}

func (c *Client) startSpan(ctx context.Context, operationName, bucketName, statement string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "minio."+operationName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("db.system", "minio"),
		attribute.String("db.name", bucketName),
		attribute.String("db.statement", truncateStatement(statement)),
	)
	return ctx, span
}

// finishSpan records err on span, sets its status and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// wrapError converts a storage error into a *sserr.Error. Deadline
// overruns become [sserr.CodeTimeoutDependency]; everything else gets
// code. Errors that already carry a code are returned unchanged.
func wrapError(err error, code sserr.Code, message string) error {
	if _, ok := sserr.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDependency, message)
	}
	wrapped := sserr.Wrap(err, code, message)
	if resp := minio.ToErrorResponse(err); resp.Code != "" {
		wrapped = wrapped.WithDetail("s3_code", resp.Code)
	}
	return wrapped
}
