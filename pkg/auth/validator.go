package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope for auth spans.
const tracerName = "github.com/StricklySoft/stricklysoft-valet/pkg/auth"

// maxTokenSize bounds accepted bearer tokens before any parsing.
const maxTokenSize = 16 * 1024

var defaultValidMethods = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384"}

// tenantPlaceholder appears in the issuer of multi-tenant discovery
// documents and is replaced by the configured tenant id.
const tenantPlaceholder = "{tenantid}"

// ValidatorConfig configures a [JWTValidator] and the [KeyCache] behind it.
type ValidatorConfig struct {
	// Authority is the identity provider base URL, e.g.
	// "https://login.microsoftonline.com/<tenant>/v2.0".
	// Either Authority or DiscoveryURL must be set.
	Authority string `json:"authority" yaml:"authority" env:"AUTHORITY"`

	// DiscoveryURL overrides Authority + "/.well-known/openid-configuration".
	DiscoveryURL string `json:"discovery_url,omitempty" yaml:"discovery_url,omitempty" env:"DISCOVERY_URL"`

	// TenantID substitutes the {tenantid} placeholder in discovered issuers.
	TenantID string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty" env:"TENANT_ID"`

	// ClientID is this application's registration id. It is always an
	// accepted audience.
	ClientID string `json:"client_id" yaml:"client_id" env:"CLIENT_ID" required:"true"`

	// Audience is an additional logical audience, e.g. "api://valet".
	Audience string `json:"audience,omitempty" yaml:"audience,omitempty" env:"AUDIENCE"`

	// Issuers lists extra accepted issuer strings, for deployments whose
	// tokens use a different URL convention than the authority (consumer
	// or partner tenants, v1 endpoints).
	Issuers []string `json:"issuers,omitempty" yaml:"issuers,omitempty" env:"ISSUERS"`

	// ClockSkew is applied to both lifetime bounds.
	ClockSkew time.Duration `json:"clock_skew" yaml:"clock_skew" env:"CLOCK_SKEW" envDefault:"5m"`

	// MinRefreshInterval is the age at which the signing key set is refreshed.
	MinRefreshInterval time.Duration `json:"min_refresh_interval" yaml:"min_refresh_interval" env:"MIN_REFRESH_INTERVAL" envDefault:"1h"`

	// RolloverCooldown spaces out refreshes triggered by unknown key ids.
	RolloverCooldown time.Duration `json:"rollover_cooldown" yaml:"rollover_cooldown" env:"ROLLOVER_COOLDOWN" envDefault:"5m"`

	// ValidMethods lists accepted signing algorithms.
	ValidMethods []string `json:"valid_methods" yaml:"valid_methods" env:"VALID_METHODS" envDefault:"RS256,RS384,RS512,PS256,ES256,ES384"`
}

// Validate checks required fields and value ranges.
func (c *ValidatorConfig) Validate() error {
	if c.Authority == "" && c.DiscoveryURL == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: authority or discovery URL is required")
	}
	if c.ClientID == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: client id is required")
	}
	if c.ClockSkew < 0 {
		return sserr.New(sserr.CodeValidationFormat, "auth: clock skew must be non-negative")
	}
	if c.MinRefreshInterval < 0 || c.RolloverCooldown < 0 {
		return sserr.New(sserr.CodeValidationFormat, "auth: refresh interval and rollover cooldown must be non-negative")
	}
	for _, m := range c.ValidMethods {
		if strings.HasPrefix(strings.ToUpper(m), "HS") || strings.EqualFold(m, "none") {
			return sserr.Newf(sserr.CodeValidationFormat, "auth: signing method %q is not allowed for discovered keys", m)
		}
	}
	return nil
}

// audiences returns the accepted audience set. The client id is always in
// it, in both bare and "api://" form.
func (c *ValidatorConfig) audiences() map[string]struct{} {
	set := map[string]struct{}{
		c.ClientID:            {},
		"api://" + c.ClientID: {},
	}
	if c.Audience != "" {
		set[c.Audience] = struct{}{}
	}
	return set
}

// issuers returns the statically known issuer variants, normalized.
func (c *ValidatorConfig) issuers() map[string]struct{} {
	set := make(map[string]struct{})
	add := func(iss string) {
		if iss = normalizeIssuer(iss, c.TenantID); iss != "" {
			set[iss] = struct{}{}
		}
	}
	for _, iss := range c.Issuers {
		add(iss)
	}
	if a := normalizeIssuer(c.Authority, c.TenantID); a != "" {
		add(a)
		if base, ok := strings.CutSuffix(a, "/v2.0"); ok {
			add(base)
		} else {
			add(a + "/v2.0")
		}
	}
	return set
}

// normalizeIssuer trims the trailing slash and substitutes the tenant
// placeholder, so that "https://idp/t/v2.0/" and "https://idp/t/v2.0"
// compare equal.
func normalizeIssuer(iss, tenantID string) string {
	iss = strings.TrimRight(strings.TrimSpace(iss), "/")
	if tenantID != "" {
		iss = strings.ReplaceAll(iss, tenantPlaceholder, tenantID)
	}
	return iss
}

// ---------------------------------------------------------------------------
// JWTValidator
// ---------------------------------------------------------------------------

// JWTValidator verifies bearer tokens against the signing keys of one
// identity provider. Validation runs in a fixed order (structure, key
// lookup, signature, issuer, audience, lifetime, identity extraction) and
// stops at the first failure. The only I/O is through the [KeyCache].
//
// JWTValidator is safe for concurrent use.
type JWTValidator struct {
	cfg       ValidatorConfig
	keys      *KeyCache
	parser    *jwt.Parser
	issuers   map[string]struct{}
	audiences map[string]struct{}
	now       func() time.Time
	tracer    trace.Tracer
}

var _ TokenValidator = (*JWTValidator)(nil)

// NewJWTValidator returns a validator reading keys from keys.
func NewJWTValidator(cfg ValidatorConfig, keys *KeyCache) (*JWTValidator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: validator requires a key cache")
	}
	if len(cfg.ValidMethods) == 0 {
		cfg.ValidMethods = defaultValidMethods
	}
	return &JWTValidator{
		cfg:       cfg,
		keys:      keys,
		parser:    jwt.NewParser(jwt.WithValidMethods(cfg.ValidMethods), jwt.WithoutClaimsValidation()),
		issuers:   cfg.issuers(),
		audiences: cfg.audiences(),
		now:       keys.now,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Validate verifies token and returns the identity it asserts.
func (v *JWTValidator) Validate(ctx context.Context, token string) (_ *Identity, err error) {
	ctx, span := startSpan(ctx, v.tracer, "auth.JWTValidator.Validate")
	defer func() {
		finishSpan(span, err)
		span.End()
	}()

	// Received -> structure.
	if token == "" || len(token) > maxTokenSize {
		return nil, sserr.New(sserr.CodeAuthenticationMalformed, "auth: token is empty or too large")
	}
	unverified, _, err := v.parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeAuthenticationMalformed, "auth: token is malformed")
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, sserr.New(sserr.CodeAuthenticationMalformed, "auth: token header has no key id")
	}
	span.SetAttributes(attribute.String("auth.kid", kid))

	// KeyLookup.
	key, set, err := v.lookupKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	// SignatureCheck.
	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, sserr.Wrap(err, sserr.CodeAuthenticationMalformed, "auth: token is malformed")
		}
		return nil, sserr.Wrap(err, sserr.CodeAuthenticationSignature, "auth: token signature is invalid").
			WithDetail("kid", kid)
	}

	// IssuerCheck.
	iss, _ := claims.GetIssuer()
	if !v.issuerAllowed(iss, set) {
		return nil, sserr.New(sserr.CodeAuthenticationIssuer, "auth: token issuer is not accepted").
			WithDetail("issuer", iss)
	}

	// AudienceCheck.
	aud, _ := claims.GetAudience()
	if !v.audienceAllowed(aud) {
		return nil, sserr.New(sserr.CodeAuthenticationAudience, "auth: token audience is not accepted").
			WithDetail("audience", []string(aud))
	}

	// LifetimeCheck.
	if err := checkLifetime(claims, v.now(), v.cfg.ClockSkew); err != nil {
		return nil, err
	}

	// IdentityExtraction.
	identity := identityFromClaims(flattenClaims(claims), SourceBearer)
	if identity.UserID == "" {
		return nil, sserr.New(sserr.CodeAuthenticationMissingUserID, "auth: token carries no user id claim")
	}
	span.SetAttributes(attribute.String("auth.user_id", identity.UserID))
	return identity, nil
}

// checkLifetime accepts now within [nbf-skew, exp+skew], both bounds
// inclusive. exp is required; nbf is optional.
func checkLifetime(claims jwt.MapClaims, now time.Time, skew time.Duration) error {
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "auth: token exp claim is invalid")
	}
	if exp == nil {
		return sserr.New(sserr.CodeAuthenticationExpired, "auth: token has no exp claim")
	}
	if now.After(exp.Add(skew)) {
		return sserr.New(sserr.CodeAuthenticationExpired, "auth: token is expired").
			WithDetail("exp", exp.Time)
	}
	nbf, err := claims.GetNotBefore()
	if err != nil {
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "auth: token nbf claim is invalid")
	}
	if nbf != nil && now.Before(nbf.Add(-skew)) {
		return sserr.New(sserr.CodeAuthenticationExpired, "auth: token is not valid yet").
			WithDetail("nbf", nbf.Time)
	}
	return nil
}

// lookupKey finds kid in the cached set. An unknown kid triggers exactly
// one forced refresh; if the kid is still unknown the token is rejected.
func (v *JWTValidator) lookupKey(ctx context.Context, kid string) (any, *SigningKeySet, error) {
	set, err := v.keys.Keys(ctx)
	if err != nil {
		return nil, nil, err
	}
	if key, ok := set.Lookup(kid); ok {
		return key, set, nil
	}

	trace.SpanFromContext(ctx).AddEvent("auth.key_rollover", trace.WithAttributes(attribute.String("auth.kid", kid)))
	set, err = v.keys.Refresh(ctx, set)
	if err != nil {
		return nil, nil, err
	}
	if key, ok := set.Lookup(kid); ok {
		return key, set, nil
	}
	return nil, nil, sserr.New(sserr.CodeAuthenticationUnknownKey, "auth: token signing key is unknown").
		WithDetail("kid", kid)
}

func (v *JWTValidator) issuerAllowed(iss string, set *SigningKeySet) bool {
	iss = normalizeIssuer(iss, "")
	if iss == "" {
		return false
	}
	if _, ok := v.issuers[iss]; ok {
		return true
	}
	discovered := normalizeIssuer(set.Issuer(), v.cfg.TenantID)
	return discovered != "" && !strings.Contains(discovered, tenantPlaceholder) && iss == discovered
}

func (v *JWTValidator) audienceAllowed(aud jwt.ClaimStrings) bool {
	for _, a := range aud {
		if _, ok := v.audiences[a]; ok {
			return true
		}
	}
	return false
}

// startSpan starts a span named name.
func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// finishSpan records err on span. It does not end the span.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
