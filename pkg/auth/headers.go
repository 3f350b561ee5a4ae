package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Header names. HTTP header lookups are case-insensitive; gRPC metadata keys
// are lowercase, so the constants are lowercase too.
const (
	// HeaderAuthorization carries "Bearer <token>".
	HeaderAuthorization = "authorization"

	// HeaderPrincipalID carries the caller's user id as asserted by the
	// ingress edge. Its presence selects the platform strategy.
	HeaderPrincipalID = "x-ms-client-principal-id"

	// HeaderPrincipalName carries the caller's display name or login.
	HeaderPrincipalName = "x-ms-client-principal-name"

	// HeaderPrincipalEmail carries the caller's email address.
	HeaderPrincipalEmail = "x-ms-client-principal-email"

	// HeaderPrincipal carries the base64 JSON claims blob, see
	// [PlatformPrincipal].
	HeaderPrincipal = "x-ms-client-principal"
)

// MaxHeaderValueSize bounds the decoded size of the claims blob header.
const MaxHeaderValueSize = 16 * 1024

const bearerPrefix = "Bearer "

// HeaderGetter reads one header or metadata value; it returns "" when the
// key is absent. http.Header.Get satisfies it, and [metadataGetter] adapts
// gRPC metadata.
type HeaderGetter func(key string) string

// PlatformHeaders names the headers the ingress edge injects. Zero fields
// fall back to the Header* constants.
type PlatformHeaders struct {
	PrincipalID    string `json:"principal_id" yaml:"principal_id" env:"PRINCIPAL_ID_HEADER"`
	PrincipalName  string `json:"principal_name" yaml:"principal_name" env:"PRINCIPAL_NAME_HEADER"`
	PrincipalEmail string `json:"principal_email" yaml:"principal_email" env:"PRINCIPAL_EMAIL_HEADER"`
	Principal      string `json:"principal" yaml:"principal" env:"PRINCIPAL_HEADER"`
}

func (h PlatformHeaders) withDefaults() PlatformHeaders {
	if h.PrincipalID == "" {
		h.PrincipalID = HeaderPrincipalID
	}
	if h.PrincipalName == "" {
		h.PrincipalName = HeaderPrincipalName
	}
	if h.PrincipalEmail == "" {
		h.PrincipalEmail = HeaderPrincipalEmail
	}
	if h.Principal == "" {
		h.Principal = HeaderPrincipal
	}
	return h
}

// ExtractBearerToken returns the token of an "Authorization: Bearer" value.
// The scheme is matched case-insensitively; anything else yields "".
func ExtractBearerToken(authHeader string) string {
	if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(bearerPrefix):])
}

// PlatformPrincipal is the decoded claims blob injected by the ingress edge.
// NameType and RoleType name the claim types that carry the display name
// and roles when the edge uses non-default claim URIs.
type PlatformPrincipal struct {
	AuthType string  `json:"auth_typ,omitempty"`
	NameType string  `json:"name_typ,omitempty"`
	RoleType string  `json:"role_typ,omitempty"`
	Claims   []Claim `json:"claims"`
}

// DecodePlatformPrincipal decodes a base64 (standard or URL alphabet,
// padded or not) JSON claims blob.
func DecodePlatformPrincipal(encoded string) (*PlatformPrincipal, error) {
	encoded = strings.TrimSpace(encoded)
	if base64.StdEncoding.DecodedLen(len(encoded)) > MaxHeaderValueSize {
		return nil, fmt.Errorf("auth: principal header exceeds %d bytes", MaxHeaderValueSize)
	}
	var (
		data []byte
		err  error
	)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err = enc.DecodeString(encoded); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode principal header: %w", err)
	}
	var p PlatformPrincipal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("auth: failed to unmarshal principal header: %w", err)
	}
	return &p, nil
}

// EncodePlatformPrincipal is the inverse of [DecodePlatformPrincipal]. It is
// used by local development proxies that stand in for the ingress edge.
func EncodePlatformPrincipal(p *PlatformPrincipal) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("auth: failed to marshal principal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
