// Package auth authenticates inbound requests and authorizes them against a
// per-handler policy table.
//
// A request passes through four components:
//
//   - [Registry] resolves the [Policy] declared for a handler id.
//   - [Resolver] produces an [Identity], trusting platform headers injected
//     by the ingress edge first and falling back to bearer-token validation.
//   - [JWTValidator] verifies bearer tokens against the signing keys held by
//     a [KeyCache], which fetches them from the identity provider's
//     discovery document.
//   - [Authorize] compares the identity's roles with the policy.
//
// [Pipeline] composes them for net/http and gRPC. Failures are *sserr.Error
// values whose codes map onto 401, 403 or 500.
package auth

import (
	"context"
	"slices"
	"strings"
)

// Source records which strategy produced an identity.
type Source string

const (
	// SourcePlatform marks identities asserted by trusted ingress headers.
	SourcePlatform Source = "platform"

	// SourceBearer marks identities extracted from a verified bearer token.
	SourceBearer Source = "bearer"
)

// Claim is a single (type, value) pair from a token or a platform claims
// blob. Multi-valued claims appear once per value.
type Claim struct {
	Type  string `json:"typ"`
	Value string `json:"val"`
}

// Identity is the canonical caller identity. An Identity with an empty
// UserID is not authenticated and is never stored in a request context.
type Identity struct {
	UserID            string   `json:"userId"`
	Email             string   `json:"email,omitempty"`
	Name              string   `json:"name,omitempty"`
	PreferredUsername string   `json:"preferredUsername,omitempty"`
	TenantID          string   `json:"tenantId,omitempty"`
	AppID             string   `json:"appId,omitempty"`
	Roles             []string `json:"roles"`
	RawClaims         []Claim  `json:"-"`
	Source            Source   `json:"source"`
}

// Authenticated reports whether the identity carries a user id.
func (i *Identity) Authenticated() bool {
	return i != nil && i.UserID != ""
}

// HasRole reports whether the identity holds role, ignoring case.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	return slices.ContainsFunc(i.Roles, func(r string) bool {
		return strings.EqualFold(r, role)
	})
}

// Clone returns a deep copy so that request-scoped consumers cannot mutate
// the value held by the context.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.Roles = slices.Clone(i.Roles)
	c.RawClaims = slices.Clone(i.RawClaims)
	return &c
}

// TokenValidator validates a bearer token and returns the identity it
// asserts. [JWTValidator] is the production implementation.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// addRole appends role unless an equal role (ignoring case) is present.
func addRole(roles []string, role string) []string {
	role = strings.TrimSpace(role)
	if role == "" {
		return roles
	}
	for _, r := range roles {
		if strings.EqualFold(r, role) {
			return roles
		}
	}
	return append(roles, role)
}
