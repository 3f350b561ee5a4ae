package auth

import (
	"context"
	"log/slog"
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

// ResolverConfig configures a [Resolver].
type ResolverConfig struct {
	// TrustPlatformHeaders enables the platform-header strategy. Enable it
	// only when every request reaches the service through the ingress edge
	// that sets (and strips client-supplied copies of) these headers.
	TrustPlatformHeaders bool `json:"trust_platform_headers" yaml:"trust_platform_headers" env:"TRUST_PLATFORM_HEADERS" envDefault:"true"`

	// Headers overrides the platform header names.
	Headers PlatformHeaders `json:"headers" yaml:"headers"`
}

// Resolver produces an [Identity] from request headers. Strategies run in
// order and the first that applies decides the outcome:
//
//  1. platform headers, when trusted and the principal id header is set;
//  2. bearer token, validated by the [TokenValidator];
//
// With neither present resolution fails with
// [sserr.CodeAuthenticationNoCredentials].
type Resolver struct {
	trustPlatform bool
	headers       PlatformHeaders
	validator     TokenValidator
}

// NewResolver returns a resolver. validator may be nil, in which case
// bearer tokens are rejected as unverifiable.
func NewResolver(cfg ResolverConfig, validator TokenValidator) *Resolver {
	return &Resolver{
		trustPlatform: cfg.TrustPlatformHeaders,
		headers:       cfg.Headers.withDefaults(),
		validator:     validator,
	}
}

// Resolve runs the strategies against get.
func (r *Resolver) Resolve(ctx context.Context, get HeaderGetter) (*Identity, error) {
	if r.trustPlatform {
		if id := strings.TrimSpace(get(r.headers.PrincipalID)); id != "" {
			return r.fromPlatform(ctx, id, get), nil
		}
	}

	if raw := get(HeaderAuthorization); raw != "" {
		token := ExtractBearerToken(raw)
		if token == "" {
			return nil, sserr.New(sserr.CodeAuthenticationMalformed,
				"auth: authorization header is not a bearer credential")
		}
		if r.validator == nil {
			return nil, sserr.New(sserr.CodeAuthentication, "auth: bearer tokens are not accepted")
		}
		identity, err := r.validator.Validate(ctx, token)
		if err != nil {
			return nil, err
		}
		if !identity.Authenticated() {
			return nil, sserr.New(sserr.CodeAuthenticationMissingUserID, "auth: token carries no user id claim")
		}
		return identity, nil
	}

	return nil, sserr.New(sserr.CodeAuthenticationNoCredentials, "auth: request carries no credentials")
}

// fromPlatform trusts the edge-asserted principal. The id header always
// wins over any id in the claims blob; name and email headers win over
// blob claims; roles and tenant come only from the blob.
func (r *Resolver) fromPlatform(ctx context.Context, userID string, get HeaderGetter) *Identity {
	var (
		claims    []Claim
		roleTypes []string
		nameTypes []string
	)
	if blob := get(r.headers.Principal); blob != "" {
		p, err := DecodePlatformPrincipal(blob)
		if err != nil {
			slog.WarnContext(ctx, "auth: ignoring undecodable platform principal header", "error", err)
		} else {
			claims = p.Claims
			if p.RoleType != "" {
				roleTypes = append(roleTypes, p.RoleType)
			}
			if p.NameType != "" {
				nameTypes = append(nameTypes, p.NameType)
			}
		}
	}

	identity := identityFromClaims(claims, SourcePlatform, roleTypes...)
	identity.UserID = userID
	if name := get(r.headers.PrincipalName); name != "" {
		identity.Name = name
	} else if identity.Name == "" && len(nameTypes) > 0 {
		identity.Name = firstClaim(claims, nameTypes)
	}
	if email := get(r.headers.PrincipalEmail); email != "" {
		identity.Email = email
	}
	identity.RawClaims = append([]Claim{{Type: r.headers.PrincipalID, Value: userID}}, identity.RawClaims...)
	return identity
}
