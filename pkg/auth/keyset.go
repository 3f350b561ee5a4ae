package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
	"github.com/StricklySoft/stricklysoft-valet/pkg/observability"
)

// HTTPClient abstracts the client used for discovery and JWKS fetches.
// [http.Client] satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxDocumentSize bounds discovery and JWKS response bodies.
const maxDocumentSize = 1 << 20

// DefaultMinRefreshInterval is used when KeyCacheConfig leaves the
// interval unset.
const DefaultMinRefreshInterval = time.Hour

// DefaultRolloverCooldown is used when KeyCacheConfig leaves the rollover
// cooldown unset.
const DefaultRolloverCooldown = 5 * time.Minute

// ---------------------------------------------------------------------------
// SigningKeySet
// ---------------------------------------------------------------------------

// SigningKeySet is one fetched copy of the identity provider's signing
// keys. It is immutable; the [KeyCache] replaces it wholesale.
type SigningKeySet struct {
	keys               map[string]crypto.PublicKey
	issuer             string
	FetchedAt          time.Time
	MinRefreshInterval time.Duration
}

// Lookup returns the public key for kid.
func (s *SigningKeySet) Lookup(kid string) (crypto.PublicKey, bool) {
	if s == nil {
		return nil, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

// KeyIDs returns the key ids in the set, sorted.
func (s *SigningKeySet) KeyIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.keys))
	for kid := range s.keys {
		ids = append(ids, kid)
	}
	slices.Sort(ids)
	return ids
}

// Issuer returns the issuer advertised by the discovery document.
func (s *SigningKeySet) Issuer() string {
	if s == nil {
		return ""
	}
	return s.issuer
}

// Stale reports whether the set is older than its refresh interval at now.
func (s *SigningKeySet) Stale(now time.Time) bool {
	return s == nil || now.Sub(s.FetchedAt) >= s.MinRefreshInterval
}

// ---------------------------------------------------------------------------
// KeyDocumentStore
// ---------------------------------------------------------------------------

// KeyDocumentStore shares fetched key documents between replicas so that a
// fleet does not hit the identity provider once per process. The redis
// client package provides an implementation. Stores are consulted only on
// the initial load and on age-based refreshes; a forced rollover refresh
// always goes to the identity provider.
type KeyDocumentStore interface {
	LoadKeyDocument(ctx context.Context, key string) ([]byte, bool, error)
	SaveKeyDocument(ctx context.Context, key string, doc []byte, ttl time.Duration) error
}

// keyDocument is the cached form of one discovery round trip.
type keyDocument struct {
	Issuer    string          `json:"issuer"`
	JWKSURI   string          `json:"jwks_uri"`
	JWKS      json.RawMessage `json:"jwks"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// ---------------------------------------------------------------------------
// KeyCache
// ---------------------------------------------------------------------------

// KeyCacheConfig configures a [KeyCache].
type KeyCacheConfig struct {
	// Authority is the identity provider base URL; the discovery document
	// is read from Authority + "/.well-known/openid-configuration".
	Authority string

	// DiscoveryURL overrides the derived discovery document URL.
	DiscoveryURL string

	// MinRefreshInterval is the age after which the set is refreshed.
	MinRefreshInterval time.Duration

	// RolloverCooldown is the minimum time between two rollover
	// refreshes triggered by unknown key ids. Admin refreshes ignore it.
	RolloverCooldown time.Duration

	// HTTPClient performs fetches. Defaults to a client with a 10s timeout.
	HTTPClient HTTPClient

	// Store optionally shares documents across replicas.
	Store KeyDocumentStore

	// Now overrides the clock in tests.
	Now func() time.Time
}

// KeyCache holds the current [SigningKeySet]. Reads are a single atomic
// load. Refreshes are single-flight: concurrent triggers share one fetch,
// and a stale set keeps serving while its replacement is fetched in the
// background.
//
// KeyCache is safe for concurrent use.
type KeyCache struct {
	discoveryURL string
	interval     time.Duration
	cooldown     time.Duration
	client       HTTPClient
	store        KeyDocumentStore
	now          func() time.Time
	tracer       trace.Tracer

	current    atomic.Pointer[SigningKeySet]
	flight     singleflight.Group
	fetches    atomic.Int64
	background atomic.Bool
	retryAfter atomic.Int64 // unix nanos; background refreshes wait until then after a failure
	rolledAt   atomic.Int64 // unix nanos of the last finished rollover refresh
}

// backgroundRetryDelay spaces out background refresh attempts while the
// identity provider is failing.
const backgroundRetryDelay = time.Minute

// NewKeyCache validates cfg and returns an empty cache. Nothing is fetched
// until the first call to [KeyCache.Keys].
func NewKeyCache(cfg KeyCacheConfig) (*KeyCache, error) {
	discoveryURL := cfg.DiscoveryURL
	if discoveryURL == "" {
		if cfg.Authority == "" {
			return nil, sserr.New(sserr.CodeValidationRequired,
				"auth: key cache requires an authority or discovery URL")
		}
		discoveryURL = strings.TrimRight(cfg.Authority, "/") + "/.well-known/openid-configuration"
	}
	if cfg.MinRefreshInterval < 0 || cfg.RolloverCooldown < 0 {
		return nil, sserr.New(sserr.CodeValidationFormat,
			"auth: key cache refresh interval and rollover cooldown must be non-negative")
	}
	interval := cfg.MinRefreshInterval
	if interval == 0 {
		interval = DefaultMinRefreshInterval
	}
	cooldown := cfg.RolloverCooldown
	if cooldown == 0 {
		cooldown = DefaultRolloverCooldown
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &KeyCache{
		discoveryURL: discoveryURL,
		interval:     interval,
		cooldown:     cooldown,
		client:       client,
		store:        cfg.Store,
		now:          now,
		tracer:       otel.Tracer(tracerName),
	}, nil
}

// Current returns the cached set without fetching. It is nil before the
// first successful load.
func (c *KeyCache) Current() *SigningKeySet {
	return c.current.Load()
}

// Fetches returns the number of fetches made against the identity provider.
func (c *KeyCache) Fetches() int64 {
	return c.fetches.Load()
}

// Keys returns the current signing key set, loading it on first use. A
// stale set is returned immediately while a background refresh replaces it.
func (c *KeyCache) Keys(ctx context.Context) (*SigningKeySet, error) {
	set := c.current.Load()
	if set == nil {
		return c.wait(ctx, observability.RefreshInitial, true, nil)
	}
	now := c.now()
	if set.Stale(now) && now.UnixNano() >= c.retryAfter.Load() && c.background.CompareAndSwap(false, true) {
		go func() {
			defer c.background.Store(false)
			bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if _, err := c.wait(bg, observability.RefreshExpired, true, set); err != nil {
				c.retryAfter.Store(c.now().Add(backgroundRetryDelay).UnixNano())
				slog.WarnContext(bg, "auth: background signing key refresh failed, serving previous set",
					"error", err,
					"fetched_at", set.FetchedAt,
				)
			}
		}()
	}
	return set, nil
}

// Refresh forces a fetch from the identity provider, bypassing any shared
// store. If seen is non-nil and the cache already holds a different set,
// another caller refreshed in the meantime and that set is returned
// without a new fetch. Within the rollover cooldown of the previous
// finished refresh the current set is returned without fetching; callers
// arriving while a refresh is in flight join it.
func (c *KeyCache) Refresh(ctx context.Context, seen *SigningKeySet) (*SigningKeySet, error) {
	if last := c.rolledAt.Load(); last != 0 && c.now().UnixNano()-last < int64(c.cooldown) {
		if cur := c.current.Load(); cur != nil {
			observability.KeyRefreshesTotal.WithLabelValues(observability.RefreshRollover, observability.OutcomeSkipped).Inc()
			return cur, nil
		}
	}
	set, err := c.wait(ctx, observability.RefreshRollover, false, seen)
	c.rolledAt.Store(c.now().UnixNano())
	return set, err
}

// ForceRefresh fetches unconditionally. It backs the admin refresh endpoint.
func (c *KeyCache) ForceRefresh(ctx context.Context) (*SigningKeySet, error) {
	return c.wait(ctx, observability.RefreshManual, false, nil)
}

// wait joins or starts the single in-flight refresh and waits for it, or
// for ctx to end. The fetch itself runs on a context detached from the
// first caller so that one caller giving up does not fail the others.
func (c *KeyCache) wait(ctx context.Context, reason string, useStore bool, seen *SigningKeySet) (*SigningKeySet, error) {
	if seen != nil {
		if cur := c.current.Load(); cur != nil && cur != seen {
			return cur, nil
		}
	}
	flightKey := "direct"
	if useStore {
		flightKey = "shared"
	}
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(flightKey, func() (any, error) {
		if seen != nil {
			if cur := c.current.Load(); cur != nil && cur != seen {
				return cur, nil
			}
		}
		tctx, cancel := context.WithTimeout(fetchCtx, 30*time.Second)
		defer cancel()
		set, err := c.load(tctx, reason, useStore)
		if err != nil {
			observability.KeyRefreshesTotal.WithLabelValues(reason, observability.OutcomeError).Inc()
			return nil, err
		}
		observability.KeyRefreshesTotal.WithLabelValues(reason, observability.OutcomeSuccess).Inc()
		observability.SigningKeys.Set(float64(len(set.keys)))
		c.current.Store(set)
		return set, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SigningKeySet), nil
	case <-ctx.Done():
		return nil, sserr.Wrap(ctx.Err(), sserr.CodeDiscoveryUnreachable,
			"auth: gave up waiting for signing key refresh")
	}
}

// load produces a new set from the shared store when allowed and fresh,
// otherwise from the identity provider.
func (c *KeyCache) load(ctx context.Context, reason string, useStore bool) (_ *SigningKeySet, err error) {
	ctx, span := startSpan(ctx, c.tracer, "auth.KeyCache.load")
	span.SetAttributes(
		attribute.String("auth.refresh_reason", reason),
		attribute.String("auth.discovery_url", c.discoveryURL),
	)
	defer func() {
		finishSpan(span, err)
		span.End()
	}()

	if useStore && c.store != nil {
		if doc, ok := c.loadFromStore(ctx); ok {
			if set, err := c.buildSet(doc); err == nil && !set.Stale(c.now()) {
				span.SetAttributes(attribute.Bool("auth.shared_store_hit", true))
				return set, nil
			}
		}
	}

	doc, err := c.fetchDocument(ctx)
	if err != nil {
		return nil, err
	}
	set, err := c.buildSet(doc)
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		c.saveToStore(ctx, doc)
	}
	return set, nil
}

func (c *KeyCache) loadFromStore(ctx context.Context) (*keyDocument, bool) {
	raw, ok, err := c.store.LoadKeyDocument(ctx, c.discoveryURL)
	if err != nil {
		slog.WarnContext(ctx, "auth: shared key document store unavailable", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var doc keyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		slog.WarnContext(ctx, "auth: discarding undecodable shared key document", "error", err)
		return nil, false
	}
	return &doc, true
}

func (c *KeyCache) saveToStore(ctx context.Context, doc *keyDocument) {
	raw, err := json.Marshal(doc)
	if err == nil {
		err = c.store.SaveKeyDocument(ctx, c.discoveryURL, raw, c.interval)
	}
	if err != nil {
		slog.WarnContext(ctx, "auth: failed to share key document", "error", err)
	}
}

// fetchDocument performs the discovery round trip: the discovery document,
// then the JWKS it points to.
func (c *KeyCache) fetchDocument(ctx context.Context) (*keyDocument, error) {
	c.fetches.Add(1)

	body, err := c.get(ctx, c.discoveryURL)
	if err != nil {
		return nil, err
	}
	var discovery struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.Unmarshal(body, &discovery); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeDiscoveryInvalidDocument,
			"auth: failed to parse discovery document")
	}
	if discovery.JWKSURI == "" {
		return nil, sserr.New(sserr.CodeDiscoveryInvalidDocument,
			"auth: discovery document missing jwks_uri")
	}

	jwks, err := c.get(ctx, discovery.JWKSURI)
	if err != nil {
		return nil, err
	}
	return &keyDocument{
		Issuer:    discovery.Issuer,
		JWKSURI:   discovery.JWKSURI,
		JWKS:      jwks,
		FetchedAt: c.now(),
	}, nil
}

func (c *KeyCache) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeDiscoveryInvalidDocument,
			"auth: invalid discovery URL %q", url)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeDiscoveryUnreachable,
			"auth: request to %s failed", url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, sserr.Newf(sserr.CodeDiscoveryUnreachable,
			"auth: %s returned status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeDiscoveryUnreachable,
			"auth: failed to read response from %s", url)
	}
	return body, nil
}

// ---------------------------------------------------------------------------
// JWKS parsing
// ---------------------------------------------------------------------------

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	// RSA
	N string `json:"n"`
	E string `json:"e"`
	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// buildSet parses the JWKS of doc. Keys without a kid, encryption keys and
// malformed keys are skipped; a document with no usable key is invalid.
func (c *KeyCache) buildSet(doc *keyDocument) (*SigningKeySet, error) {
	var parsed jwks
	if err := json.Unmarshal(doc.JWKS, &parsed); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeDiscoveryInvalidDocument,
			"auth: failed to parse JWKS")
	}

	keys := make(map[string]crypto.PublicKey, len(parsed.Keys))
	for _, k := range parsed.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		var (
			pub crypto.PublicKey
			err error
		)
		switch k.Kty {
		case "RSA":
			pub, err = parseRSAPublicKey(k.N, k.E)
		case "EC":
			pub, err = parseECPublicKey(k.Crv, k.X, k.Y)
		default:
			continue
		}
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, sserr.New(sserr.CodeDiscoveryInvalidDocument,
			"auth: JWKS contains no usable signing keys")
	}
	return &SigningKeySet{
		keys:               keys,
		issuer:             doc.Issuer,
		FetchedAt:          doc.FetchedAt,
		MinRefreshInterval: c.interval,
	}, nil
}

func parseRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode RSA modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode RSA exponent: %w", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if len(nBytes) == 0 || !e.IsInt64() || e.Int64() < 3 {
		return nil, fmt.Errorf("auth: invalid RSA key parameters")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
}

func parseECPublicKey(crv, xB64, yB64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("auth: unsupported EC curve %q", crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(xB64)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode EC x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yB64)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to decode EC y coordinate: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
