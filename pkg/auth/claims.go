package auth

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Claim types understood by identity extraction. Short names come from
// OIDC/JWT access tokens; the URI forms come from WS-Federation style
// claims blobs forwarded by the ingress edge.
const (
	ClaimObjectID          = "oid"
	ClaimObjectIDURI       = "http://schemas.microsoft.com/identity/claims/objectidentifier"
	ClaimSubject           = "sub"
	ClaimNameIdentifierURI = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier"

	ClaimEmail    = "email"
	ClaimEmails   = "emails"
	ClaimEmailURI = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"
	ClaimUPN      = "upn"

	ClaimName    = "name"
	ClaimNameURI = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name"

	ClaimPreferredUsername = "preferred_username"

	ClaimTenantID    = "tid"
	ClaimTenantIDURI = "http://schemas.microsoft.com/identity/claims/tenantid"

	ClaimAppID           = "appid"
	ClaimAuthorizedParty = "azp"

	ClaimRoles   = "roles"
	ClaimRole    = "role"
	ClaimRoleURI = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"
)

// Lookup chains, highest priority first.
var (
	userIDClaims   = []string{ClaimObjectID, ClaimObjectIDURI, ClaimSubject, ClaimNameIdentifierURI}
	emailClaims    = []string{ClaimEmail, ClaimEmailURI, ClaimEmails, ClaimUPN}
	nameClaims     = []string{ClaimName, ClaimNameURI}
	usernameClaims = []string{ClaimPreferredUsername, ClaimUPN}
	tenantClaims   = []string{ClaimTenantID, ClaimTenantIDURI}
	appClaims      = []string{ClaimAppID, ClaimAuthorizedParty}
	roleClaims     = []string{ClaimRoles, ClaimRole, ClaimRoleURI}
)

// flattenClaims turns decoded JWT claims into an ordered (type, value) list.
// Keys are sorted; arrays contribute one entry per element; objects are
// re-encoded as JSON.
func flattenClaims(claims map[string]any) []Claim {
	keys := make([]string, 0, len(claims))
	for k := range claims {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]Claim, 0, len(keys))
	for _, k := range keys {
		switch v := claims[k].(type) {
		case []any:
			for _, e := range v {
				out = append(out, Claim{Type: k, Value: claimString(e)})
			}
		case []string:
			for _, e := range v {
				out = append(out, Claim{Type: k, Value: e})
			}
		default:
			out = append(out, Claim{Type: k, Value: claimString(v)})
		}
	}
	return out
}

func claimString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// firstClaim returns the first non-empty value among types, in priority
// order.
func firstClaim(claims []Claim, types []string) string {
	for _, typ := range types {
		for _, c := range claims {
			if c.Type == typ && strings.TrimSpace(c.Value) != "" {
				return c.Value
			}
		}
	}
	return ""
}

// collectRoles gathers every value of a role-asserting claim type, plus
// any extra types (such as a claims blob's declared role_typ).
func collectRoles(claims []Claim, extra ...string) []string {
	var roles []string
	for _, c := range claims {
		if slices.Contains(roleClaims, c.Type) || slices.Contains(extra, c.Type) {
			roles = addRole(roles, c.Value)
		}
	}
	return roles
}

// identityFromClaims builds an identity from a flattened claim list. It
// does not check UserID; callers decide whether an empty id is an error.
func identityFromClaims(claims []Claim, source Source, extraRoleTypes ...string) *Identity {
	return &Identity{
		UserID:            firstClaim(claims, userIDClaims),
		Email:             firstClaim(claims, emailClaims),
		Name:              firstClaim(claims, nameClaims),
		PreferredUsername: firstClaim(claims, usernameClaims),
		TenantID:          firstClaim(claims, tenantClaims),
		AppID:             firstClaim(claims, appClaims),
		Roles:             collectRoles(claims, extraRoleTypes...),
		RawClaims:         claims,
		Source:            source,
	}
}
