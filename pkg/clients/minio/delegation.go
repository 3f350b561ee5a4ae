package minio

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7/pkg/credentials"

	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
	"github.com/StricklySoft/stricklysoft-valet/pkg/valet"
)

// CredentialProvider obtains signing credentials restricted by a session
// policy.
type CredentialProvider interface {
	Credentials(ctx context.Context, policy string, duration time.Duration) (credentials.Value, error)
}

// STSProvider requests temporary credentials from the STS AssumeRole API.
type STSProvider struct {
	endpoint  string
	accessKey string
	secretKey Secret
	region    string
	client    *http.Client
}

// NewSTSProvider returns a provider that assumes roles at endpoint with the
// given service account. A nil client selects http.DefaultClient.
func NewSTSProvider(endpoint, accessKey string, secretKey Secret, region string, client *http.Client) *STSProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &STSProvider{endpoint: endpoint, accessKey: accessKey, secretKey: secretKey, region: region, client: client}
}

// Credentials implements [CredentialProvider]. A fresh AssumeRole call is
// made every time; credentials are never cached because each carries its
// own single-object policy.
func (p *STSProvider) Credentials(ctx context.Context, policy string, duration time.Duration) (credentials.Value, error) {
	creds, err := credentials.NewSTSAssumeRole(p.endpoint, credentials.STSAssumeRoleOptions{
		AccessKey:       p.accessKey,
		SecretKey:       p.secretKey.Value(),
		Policy:          policy,
		Location:        p.region,
		DurationSeconds: int(duration / time.Second),
	})
	if err != nil {
		return credentials.Value{}, err
	}

	// The credentials package builds its request without a context; the
	// transport attaches ours so cancellation aborts the round trip.
	client := *p.client
	client.Transport = &contextTransport{ctx: ctx, base: p.client.Transport}
	return creds.GetWithContext(&credentials.CredContext{Client: &client, Endpoint: p.endpoint})
}

type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req.WithContext(t.ctx))
}

// StaticProvider returns the configured service account unchanged.
type StaticProvider struct {
	accessKey string
	secretKey Secret
}

// NewStaticProvider returns a provider that signs with accessKey directly.
func NewStaticProvider(accessKey string, secretKey Secret) *StaticProvider {
	return &StaticProvider{accessKey: accessKey, secretKey: secretKey}
}

// Credentials implements [CredentialProvider]. The policy is ignored.
func (p *StaticProvider) Credentials(ctx context.Context, _ string, _ time.Duration) (credentials.Value, error) {
	if err := ctx.Err(); err != nil {
		return credentials.Value{}, err
	}
	return credentials.Value{
		AccessKeyID:     p.accessKey,
		SecretAccessKey: p.secretKey.Value(),
		SignerType:      credentials.SignatureV4,
	}, nil
}

// sessionPolicy is an IAM policy document.
type sessionPolicy struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

// s3Actions maps valet operations to the S3 actions that implement them.
var s3Actions = map[valet.Operation]string{
	valet.OperationCreate: "s3:PutObject",
}

// buildSessionPolicy returns a policy allowing scope's operations on the
// one object scope names and nothing else.
func buildSessionPolicy(scope valet.Scope) (string, error) {
	if len(scope.Operations) == 0 {
		return "", sserr.New(sserr.CodeValidation, "minio: scope has no operations")
	}
	actions := make([]string, 0, len(scope.Operations))
	for _, op := range scope.Operations {
		action, ok := s3Actions[op]
		if !ok {
			return "", sserr.Newf(sserr.CodeValidationFormat, "minio: unsupported operation %q", op)
		}
		actions = append(actions, action)
	}
	doc, err := json.Marshal(sessionPolicy{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:   "Allow",
			Action:   actions,
			Resource: []string{"arn:aws:s3:::" + scope.Container + "/" + scope.Path},
		}},
	})
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeInternal, "minio: encode session policy")
	}
	return string(doc), nil
}
