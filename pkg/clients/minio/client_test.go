package minio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-valet/internal/testutil"
	"github.com/StricklySoft/stricklysoft-valet/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
	"github.com/StricklySoft/stricklysoft-valet/pkg/valet"
)

// ===========================================================================
// Mocks
// ===========================================================================

// mockObjectStore is a testify mock of ObjectStore.
type mockObjectStore struct {
	mock.Mock
}

func (m *mockObjectStore) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func (m *mockObjectStore) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	args := m.Called(ctx, bucketName, opts)
	return args.Error(0)
}

// mockCredentialProvider is a testify mock of CredentialProvider.
type mockCredentialProvider struct {
	mock.Mock
}

func (m *mockCredentialProvider) Credentials(ctx context.Context, policy string, duration time.Duration) (credentials.Value, error) {
	args := m.Called(ctx, policy, duration)
	return args.Get(0).(credentials.Value), args.Error(1)
}

var signedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testScope() valet.Scope {
	return valet.Scope{
		Container:  fixtures.Container,
		Path:       "u1/6f1c0c52",
		Operations: []valet.Operation{valet.OperationCreate},
		ValidFrom:  signedAt.Add(-3 * time.Minute),
		ValidTo:    signedAt.Add(3 * time.Minute),
	}
}

func newTestClient(store ObjectStore, creds CredentialProvider, cfg *Config) *Client {
	c := NewFromStore(store, creds, cfg)
	c.now = func() time.Time { return signedAt }
	return c
}

// ===========================================================================
// DelegationKey
// ===========================================================================

func TestClient_DelegationKey_ScopedPolicy(t *testing.T) {
	t.Parallel()

	creds := &mockCredentialProvider{}
	var policy string
	creds.On("Credentials", mock.Anything, mock.AnythingOfType("string"), DefaultSTSDuration).
		Run(func(args mock.Arguments) { policy = args.String(1) }).
		Return(credentials.Value{
			AccessKeyID:     "TMPKEY",
			SecretAccessKey: "tmpsecret",
			SessionToken:    "tok",
			Expiration:      signedAt.Add(time.Hour),
		}, nil).Once()

	c := newTestClient(&mockObjectStore{}, creds, &Config{Endpoint: "minio.test:9000", AccountName: fixtures.AccountName})
	key, err := c.DelegationKey(context.Background(), testScope())
	require.NoError(t, err)

	assert.Equal(t, "TMPKEY", key.AccessKeyID)
	assert.Equal(t, "tok", key.SessionToken)
	assert.Equal(t, fixtures.AccountName, key.AccountName)
	assert.Equal(t, testScope().ValidFrom, key.ValidFrom)
	assert.Equal(t, testScope().ValidTo, key.ValidTo, "credential lifetime does not widen the key")

	var doc sessionPolicy
	require.NoError(t, json.Unmarshal([]byte(policy), &doc))
	require.Len(t, doc.Statement, 1)
	assert.Equal(t, "Allow", doc.Statement[0].Effect)
	assert.Equal(t, []string{"s3:PutObject"}, doc.Statement[0].Action)
	assert.Equal(t, []string{"arn:aws:s3:::uploads/u1/6f1c0c52"}, doc.Statement[0].Resource)
	creds.AssertExpectations(t)
}

func TestClient_DelegationKey_ShortCredentialsNarrowKey(t *testing.T) {
	t.Parallel()

	creds := &mockCredentialProvider{}
	creds.On("Credentials", mock.Anything, mock.Anything, mock.Anything).Return(credentials.Value{
		AccessKeyID:     "K",
		SecretAccessKey: "S",
		Expiration:      signedAt.Add(time.Minute),
	}, nil)

	key, err := newTestClient(&mockObjectStore{}, creds, nil).DelegationKey(context.Background(), testScope())
	require.NoError(t, err)
	assert.Equal(t, signedAt.Add(time.Minute), key.ValidTo)
}

func TestClient_DelegationKey_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value credentials.Value
		err   error
		scope func(*valet.Scope)
		code  sserr.Code
	}{
		{name: "provider failure", err: errors.New("AccessDenied"), code: sserr.CodeDelegationKeyUnavailable},
		{name: "deadline", err: fmt.Errorf("post: %w", context.DeadlineExceeded), code: sserr.CodeTimeoutDependency},
		{name: "empty credentials", code: sserr.CodeDelegationKeyUnavailable},
		{
			name:  "unsupported operation",
			scope: func(s *valet.Scope) { s.Operations = []valet.Operation{"delete"} },
			code:  sserr.CodeValidationFormat,
		},
		{
			name:  "no operations",
			scope: func(s *valet.Scope) { s.Operations = nil },
			code:  sserr.CodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			creds := &mockCredentialProvider{}
			creds.On("Credentials", mock.Anything, mock.Anything, mock.Anything).Return(tt.value, tt.err)

			scope := testScope()
			if tt.scope != nil {
				tt.scope(&scope)
			}
			key, err := newTestClient(&mockObjectStore{}, creds, nil).DelegationKey(context.Background(), scope)
			assert.Nil(t, key)
			testutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

// ===========================================================================
// Sign
// ===========================================================================

func TestClient_Sign(t *testing.T) {
	t.Parallel()

	c := newTestClient(&mockObjectStore{}, nil, &Config{Endpoint: "minio.test:9000", Region: "eu-west-1"})
	key := &valet.DelegationKey{AccessKeyID: "TMPKEY", SecretKey: "tmpsecret", SessionToken: "tok"}

	blobURI, signature, err := c.Sign(context.Background(), key, testScope())
	require.NoError(t, err)

	assert.Equal(t, "http://minio.test:9000/uploads/u1/6f1c0c52", blobURI)
	q, err := url.ParseQuery(signature)
	require.NoError(t, err)
	assert.Equal(t, "AWS4-HMAC-SHA256", q.Get("X-Amz-Algorithm"))
	assert.Equal(t, "180", q.Get("X-Amz-Expires"), "expires at the end of the window")
	assert.Equal(t, "tok", q.Get("X-Amz-Security-Token"))
	assert.True(t, strings.HasPrefix(q.Get("X-Amz-Credential"), "TMPKEY/"))
	assert.Contains(t, q.Get("X-Amz-Credential"), "/eu-west-1/s3/aws4_request")
	assert.Len(t, q.Get("X-Amz-Signature"), 64)
}

func TestClient_Sign_PublicURL(t *testing.T) {
	t.Parallel()

	c := newTestClient(&mockObjectStore{}, nil, &Config{
		Endpoint:  "minio.internal:9000",
		PublicURL: "https://" + fixtures.AccountName + "/",
	})
	key := &valet.DelegationKey{AccessKeyID: "K", SecretKey: "S"}

	blobURI, signature, err := c.Sign(context.Background(), key, testScope())
	require.NoError(t, err)
	assert.Equal(t, "https://"+fixtures.AccountName+"/uploads/u1/6f1c0c52", blobURI)
	assert.NotContains(t, signature, "X-Amz-Security-Token")
	assert.Equal(t, fixtures.AccountName, c.config.accountName())
}

func TestClient_Sign_Errors(t *testing.T) {
	t.Parallel()

	c := newTestClient(&mockObjectStore{}, nil, nil)
	good := &valet.DelegationKey{AccessKeyID: "K", SecretKey: "S"}

	_, _, err := c.Sign(context.Background(), &valet.DelegationKey{AccessKeyID: "K"}, testScope())
	testutil.AssertErrorCode(t, err, sserr.CodeDelegationKeyUnavailable)

	ended := testScope()
	ended.ValidTo = signedAt
	_, _, err = c.Sign(context.Background(), good, ended)
	testutil.AssertErrorCode(t, err, sserr.CodeDelegationKeyUnavailable)

	wide := testScope()
	wide.Operations = append(wide.Operations, "read")
	_, _, err = c.Sign(context.Background(), good, wide)
	testutil.AssertErrorCode(t, err, sserr.CodeValidation)
}

// ===========================================================================
// Providers
// ===========================================================================

const assumeRoleResponse = `<?xml version="1.0" encoding="UTF-8"?>
<AssumeRoleResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <AssumeRoleResult>
    <Credentials>
      <AccessKeyId>ASIATEMP</AccessKeyId>
      <SecretAccessKey>tempsecret</SecretAccessKey>
      <SessionToken>session-token</SessionToken>
      <Expiration>%s</Expiration>
    </Credentials>
  </AssumeRoleResult>
</AssumeRoleResponse>`

func TestSTSProvider_Credentials(t *testing.T) {
	t.Parallel()

	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		assert.Contains(t, r.Header.Get("Authorization"), "Credential=svc/")
		w.Header().Set("Content-Type", "application/xml")
		_, _ = fmt.Fprintf(w, assumeRoleResponse, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	}))
	t.Cleanup(srv.Close)

	p := NewSTSProvider(srv.URL, "svc", Secret("svc-secret"), DefaultRegion, srv.Client())
	v, err := p.Credentials(context.Background(), `{"Version":"2012-10-17"}`, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "ASIATEMP", v.AccessKeyID)
	assert.Equal(t, "tempsecret", v.SecretAccessKey)
	assert.Equal(t, "session-token", v.SessionToken)
	assert.False(t, v.Expiration.IsZero())
	assert.Equal(t, "AssumeRole", form.Get("Action"))
	assert.Equal(t, `{"Version":"2012-10-17"}`, form.Get("Policy"))
}

func TestSTSProvider_HonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := NewSTSProvider(srv.URL, "svc", Secret("svc-secret"), DefaultRegion, srv.Client())
	_, err := p.Credentials(ctx, "", time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSTSProvider_Rejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<ErrorResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/"><Error><Code>AccessDenied</Code><Message>denied</Message></Error></ErrorResponse>`))
	}))
	t.Cleanup(srv.Close)

	creds := NewSTSProvider(srv.URL, "svc", Secret("svc-secret"), DefaultRegion, srv.Client())
	c := newTestClient(&mockObjectStore{}, creds, nil)
	_, err := c.DelegationKey(context.Background(), testScope())
	testutil.AssertErrorCode(t, err, sserr.CodeDelegationKeyUnavailable)
}

func TestStaticProvider(t *testing.T) {
	t.Parallel()

	p := NewStaticProvider("dev", Secret("devsecret"))
	v, err := p.Credentials(context.Background(), "ignored", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "dev", v.AccessKeyID)
	assert.Equal(t, "devsecret", v.SecretAccessKey)
	assert.Empty(t, v.SessionToken)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Credentials(ctx, "", time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

// ===========================================================================
// Bucket management
// ===========================================================================

func TestClient_EnsureBucket(t *testing.T) {
	t.Parallel()

	t.Run("exists", func(t *testing.T) {
		t.Parallel()
		ms := &mockObjectStore{}
		ms.On("BucketExists", mock.Anything, "uploads").Return(true, nil)
		require.NoError(t, newTestClient(ms, nil, nil).EnsureBucket(context.Background(), "uploads"))
		ms.AssertNotCalled(t, "MakeBucket", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("created", func(t *testing.T) {
		t.Parallel()
		ms := &mockObjectStore{}
		ms.On("BucketExists", mock.Anything, "uploads").Return(false, nil)
		ms.On("MakeBucket", mock.Anything, "uploads", minio.MakeBucketOptions{Region: "eu-west-1"}).Return(nil).Once()
		require.NoError(t, newTestClient(ms, nil, &Config{Region: "eu-west-1"}).EnsureBucket(context.Background(), "uploads"))
		ms.AssertExpectations(t)
	})

	t.Run("created concurrently", func(t *testing.T) {
		t.Parallel()
		ms := &mockObjectStore{}
		ms.On("BucketExists", mock.Anything, "uploads").Return(false, nil)
		ms.On("MakeBucket", mock.Anything, "uploads", mock.Anything).
			Return(minio.ErrorResponse{Code: "BucketAlreadyOwnedByYou"})
		require.NoError(t, newTestClient(ms, nil, nil).EnsureBucket(context.Background(), "uploads"))
	})

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()
		ms := &mockObjectStore{}
		ms.On("BucketExists", mock.Anything, "uploads").Return(false, errors.New("connection refused"))
		err := newTestClient(ms, nil, nil).EnsureBucket(context.Background(), "uploads")
		testutil.AssertErrorCode(t, err, sserr.CodeUnavailableDependency)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		ms := &mockObjectStore{}
		ms.On("BucketExists", mock.Anything, "uploads").Return(false, context.DeadlineExceeded)
		err := newTestClient(ms, nil, nil).EnsureBucket(context.Background(), "uploads")
		testutil.AssertErrorCode(t, err, sserr.CodeTimeoutDependency)
		assert.True(t, sserr.IsTimeout(err))
	})
}

func TestClient_Health(t *testing.T) {
	t.Parallel()

	ms := &mockObjectStore{}
	ms.On("BucketExists", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	}), DefaultHealthBucket).Return(false, nil).Once()
	ms.On("BucketExists", mock.Anything, DefaultHealthBucket).Return(false, errors.New("down")).Once()

	c := newTestClient(ms, nil, nil)
	require.NoError(t, c.Health(context.Background()), "missing probe bucket is still healthy")
	testutil.AssertErrorCode(t, c.Health(context.Background()), sserr.CodeUnavailableDependency)
	ms.AssertExpectations(t)
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AccessKey = "svc"
	cfg.SecretKey = Secret("svc-secret")
	c, err := NewClient(*cfg)
	require.NoError(t, err)
	assert.IsType(t, &STSProvider{}, c.creds)
	assert.Equal(t, "minio.databases.svc.cluster.local:9000", c.config.accountName())
	c.Close()

	cfg.Delegation = DelegationStatic
	c, err = NewClient(*cfg)
	require.NoError(t, err)
	assert.IsType(t, &StaticProvider{}, c.creds)

	_, err = NewClient(Config{Endpoint: "x"})
	testutil.AssertErrorCode(t, err, sserr.CodeValidationRequired)
}
