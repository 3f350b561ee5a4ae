package auth

import (
	"slices"
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

// Authorize reports whether identity satisfies p.
//
//   - Anonymous policies admit everyone, including a nil identity.
//   - RequireAuth policies need an authenticated identity.
//   - A non-empty role set additionally needs at least one matching role.
//     Role names compare case-insensitively, so "Admin" satisfies "admin".
func Authorize(identity *Identity, p Policy) bool {
	return Evaluate(identity, p) == nil
}

// Evaluate is Authorize with the reason for a denial:
// [sserr.CodeAuthenticationNoCredentials] when no identity is present and
// [sserr.CodeAuthorizationInsufficientRole] when the role check fails.
func Evaluate(identity *Identity, p Policy) error {
	if p.IsAnonymous() {
		return nil
	}
	if !identity.Authenticated() {
		return sserr.New(sserr.CodeAuthenticationNoCredentials, "auth: policy requires an authenticated caller")
	}
	if len(p.roles) == 0 {
		return nil
	}
	if slices.ContainsFunc(p.roles, identity.HasRole) {
		return nil
	}
	return sserr.New(sserr.CodeAuthorizationInsufficientRole, "auth: caller lacks a required role").
		WithDetail("required_roles", strings.Join(p.roles, ","))
}
