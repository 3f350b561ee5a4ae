package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-valet/internal/testutil"
	"github.com/StricklySoft/stricklysoft-valet/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

// mockValidator is a testify mock of TokenValidator.
type mockValidator struct {
	mock.Mock
}

func (m *mockValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	args := m.Called(ctx, token)
	id, _ := args.Get(0).(*Identity)
	return id, args.Error(1)
}

func headers(kv ...string) HeaderGetter {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h.Get
}

func encodePrincipal(t *testing.T, p *PlatformPrincipal) string {
	t.Helper()
	s, err := EncodePlatformPrincipal(p)
	require.NoError(t, err)
	return s
}

func TestResolver_PlatformHeaders(t *testing.T) {
	t.Parallel()

	v := &mockValidator{}
	r := NewResolver(ResolverConfig{TrustPlatformHeaders: true}, v)

	blob := encodePrincipal(t, &PlatformPrincipal{
		AuthType: "aad",
		RoleType: ClaimRoles,
		Claims: []Claim{
			{ClaimObjectID, "ignored-oid"},
			{ClaimRoles, "Admin"},
			{ClaimTenantIDURI, fixtures.TenantID},
			{ClaimEmail, "blob@example.test"},
		},
	})

	id, err := r.Resolve(context.Background(), headers(
		"X-MS-CLIENT-PRINCIPAL-ID", "platform-user",
		"X-MS-CLIENT-PRINCIPAL-NAME", "ada",
		"X-MS-CLIENT-PRINCIPAL-EMAIL", fixtures.UserEmail,
		"X-MS-CLIENT-PRINCIPAL", blob,
		"Authorization", "Bearer should-not-be-used",
	))
	require.NoError(t, err)
	assert.Equal(t, "platform-user", id.UserID, "id header wins over blob claims")
	assert.Equal(t, "ada", id.Name)
	assert.Equal(t, fixtures.UserEmail, id.Email, "email header wins over blob claims")
	assert.Equal(t, []string{"Admin"}, id.Roles)
	assert.Equal(t, fixtures.TenantID, id.TenantID)
	assert.Equal(t, SourcePlatform, id.Source)
	v.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything)
}

func TestResolver_PlatformHeadersWithoutBlob(t *testing.T) {
	t.Parallel()

	r := NewResolver(ResolverConfig{TrustPlatformHeaders: true}, nil)
	id, err := r.Resolve(context.Background(), headers("X-MS-CLIENT-PRINCIPAL-ID", "u1"))
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Empty(t, id.Roles)
	assert.Empty(t, id.TenantID)
}

func TestResolver_MalformedBlobIgnored(t *testing.T) {
	t.Parallel()

	r := NewResolver(ResolverConfig{TrustPlatformHeaders: true}, nil)
	id, err := r.Resolve(context.Background(), headers(
		"X-MS-CLIENT-PRINCIPAL-ID", "u1",
		"X-MS-CLIENT-PRINCIPAL", "%%%not-base64",
	))
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Empty(t, id.Roles)
}

func TestResolver_CustomHeaderNames(t *testing.T) {
	t.Parallel()

	r := NewResolver(ResolverConfig{
		TrustPlatformHeaders: true,
		Headers:              PlatformHeaders{PrincipalID: "X-Edge-User"},
	}, nil)
	id, err := r.Resolve(context.Background(), headers("X-Edge-User", "edge-1"))
	require.NoError(t, err)
	assert.Equal(t, "edge-1", id.UserID)

	_, err = r.Resolve(context.Background(), headers("X-MS-CLIENT-PRINCIPAL-ID", "u1"))
	testutil.AssertErrorCode(t, err, sserr.CodeAuthenticationNoCredentials)
}

func TestResolver_UntrustedPlatformHeadersIgnored(t *testing.T) {
	t.Parallel()

	r := NewResolver(ResolverConfig{TrustPlatformHeaders: false}, &mockValidator{})
	_, err := r.Resolve(context.Background(), headers("X-MS-CLIENT-PRINCIPAL-ID", "u1"))
	testutil.AssertErrorCode(t, err, sserr.CodeAuthenticationNoCredentials)
}

func TestResolver_Bearer(t *testing.T) {
	t.Parallel()

	v := &mockValidator{}
	v.On("Validate", mock.Anything, "tok-1").Return(&Identity{UserID: "u1", Source: SourceBearer}, nil).Once()
	v.On("Validate", mock.Anything, "tok-bad").Return(nil, sserr.New(sserr.CodeAuthenticationExpired, "expired")).Once()
	r := NewResolver(ResolverConfig{TrustPlatformHeaders: true}, v)

	id, err := r.Resolve(context.Background(), headers("Authorization", "bearer tok-1"))
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)

	_, err = r.Resolve(context.Background(), headers("Authorization", "Bearer tok-bad"))
	testutil.AssertErrorCode(t, err, sserr.CodeAuthenticationExpired)

	_, err = r.Resolve(context.Background(), headers("Authorization", "Basic dXNlcjpwYXNz"))
	testutil.AssertErrorCode(t, err, sserr.CodeAuthenticationMalformed)

	v.AssertExpectations(t)
}

func TestResolver_NoCredentials(t *testing.T) {
	t.Parallel()

	r := NewResolver(ResolverConfig{TrustPlatformHeaders: true}, &mockValidator{})
	_, err := r.Resolve(context.Background(), headers())
	testutil.AssertErrorCode(t, err, sserr.CodeAuthenticationNoCredentials)
}

func TestResolver_WithJWTValidator(t *testing.T) {
	t.Parallel()

	idp := fixtures.NewIdP(t)
	v, _ := newTestValidator(t, idp, nil)
	r := NewResolver(ResolverConfig{}, v)

	token := idp.Mint(t, fixtures.DefaultKeyID, idp.Claims(time.Now()))
	id, err := r.Resolve(context.Background(), headers("Authorization", "Bearer "+token))
	require.NoError(t, err)
	assert.Equal(t, fixtures.UserOID, id.UserID)
}

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", ExtractBearerToken("Bearer abc"))
	assert.Equal(t, "abc", ExtractBearerToken("BEARER  abc "))
	assert.Empty(t, ExtractBearerToken("Bearer "))
	assert.Empty(t, ExtractBearerToken("Basic abc"))
	assert.Empty(t, ExtractBearerToken(""))
}

func TestDecodePlatformPrincipal_Encodings(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"auth_typ":"aad","claims":[{"typ":"roles","val":"admin"}]}`)
	for name, enc := range map[string]*base64.Encoding{
		"std":     base64.StdEncoding,
		"raw std": base64.RawStdEncoding,
		"url":     base64.URLEncoding,
		"raw url": base64.RawURLEncoding,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p, err := DecodePlatformPrincipal(enc.EncodeToString(raw))
			require.NoError(t, err)
			assert.Equal(t, "aad", p.AuthType)
			assert.Equal(t, []Claim{{Type: "roles", Value: "admin"}}, p.Claims)
		})
	}

	_, err := DecodePlatformPrincipal(base64.StdEncoding.EncodeToString([]byte("not json")))
	assert.Error(t, err)
}
