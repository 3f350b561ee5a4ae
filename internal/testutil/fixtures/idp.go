package fixtures

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// DefaultKeyID is the key the fake identity provider publishes at start.
const DefaultKeyID = "key-1"

// IdP is a fake OpenID Connect identity provider on an httptest server. It
// serves a discovery document and a JWKS, and mints RS256 tokens with keys
// that may or may not be published, which is how tests simulate key
// rollover.
//
//	idp := fixtures.NewIdP(t)
//	token := idp.Mint(t, fixtures.DefaultKeyID, idp.Claims(time.Now()))
type IdP struct {
	Server *httptest.Server

	mu        sync.Mutex
	keys      map[string]*rsa.PrivateKey
	published map[string]bool

	discoveryHits atomic.Int64
	jwksHits      atomic.Int64
	failing       atomic.Bool
	delay         atomic.Int64
}

// NewIdP starts an identity provider publishing [DefaultKeyID]. The server
// closes when t ends.
func NewIdP(t testing.TB) *IdP {
	t.Helper()
	p := &IdP{
		keys:      make(map[string]*rsa.PrivateKey),
		published: make(map[string]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /"+TenantID+"/v2.0/.well-known/openid-configuration", p.serveDiscovery)
	mux.HandleFunc("GET /discovery/keys", p.serveJWKS)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)

	p.AddKey(t, DefaultKeyID, true)
	return p
}

// Authority is the authority URL to configure the validator with.
func (p *IdP) Authority() string {
	return p.Server.URL + "/" + TenantID + "/v2.0"
}

// Issuer is the issuer the discovery document advertises.
func (p *IdP) Issuer() string {
	return p.Authority()
}

// AddKey generates a signing key under kid. Unpublished keys can sign
// tokens but are absent from the JWKS until [IdP.Publish].
func (p *IdP) AddKey(t testing.TB, kid string, publish bool) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "fixtures: failed to generate RSA key")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[kid] = key
	p.published[kid] = publish
}

// Publish adds kid to the JWKS.
func (p *IdP) Publish(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[kid] = true
}

// Retire removes kid from the JWKS.
func (p *IdP) Retire(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[kid] = false
}

// SetFailing makes every endpoint answer 503 while failing is true.
func (p *IdP) SetFailing(failing bool) { p.failing.Store(failing) }

// SetDelay delays every response, to hold refreshes in flight.
func (p *IdP) SetDelay(d time.Duration) { p.delay.Store(int64(d)) }

// DiscoveryHits counts discovery document requests.
func (p *IdP) DiscoveryHits() int64 { return p.discoveryHits.Load() }

// JWKSHits counts JWKS requests.
func (p *IdP) JWKSHits() int64 { return p.jwksHits.Load() }

// Claims returns a valid claim set for the default user issued at now.
func (p *IdP) Claims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   p.Issuer(),
		"aud":   ClientID,
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"oid":   UserOID,
		"sub":   UserSubject,
		"tid":   TenantID,
		"email": UserEmail,
		"name":  UserName,
	}
}

// Mint signs claims with kid using RS256.
func (p *IdP) Mint(t testing.TB, kid string, claims jwt.MapClaims) string {
	t.Helper()
	p.mu.Lock()
	key, ok := p.keys[kid]
	p.mu.Unlock()
	require.True(t, ok, "fixtures: unknown key %q", kid)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err, "fixtures: failed to sign token")
	return signed
}

func (p *IdP) pause(w http.ResponseWriter) bool {
	if d := time.Duration(p.delay.Load()); d > 0 {
		time.Sleep(d)
	}
	if p.failing.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (p *IdP) serveDiscovery(w http.ResponseWriter, _ *http.Request) {
	p.discoveryHits.Add(1)
	if !p.pause(w) {
		return
	}
	writeJSON(w, map[string]any{
		"issuer":                                p.Issuer(),
		"jwks_uri":                              p.Server.URL + "/discovery/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *IdP) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	p.jwksHits.Add(1)
	if !p.pause(w) {
		return
	}
	p.mu.Lock()
	keys := make([]map[string]string, 0, len(p.keys))
	for kid, key := range p.keys {
		if !p.published[kid] {
			continue
		}
		keys = append(keys, map[string]string{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": kid,
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		})
	}
	p.mu.Unlock()
	writeJSON(w, map[string]any{"keys": keys})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
