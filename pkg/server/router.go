// Package server assembles the valet HTTP surface: a chi router with
// request ids, panic recovery, request metrics and CORS in front of the
// authentication pipeline, and the handlers behind it.
//
// Every route is registered through [auth.Pipeline.Handle] with the handler
// id "METHOD /pattern", so the policy table is the single place that
// decides who may call what.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/StricklySoft/stricklysoft-valet/pkg/auth"
	"github.com/StricklySoft/stricklysoft-valet/pkg/observability"
	"github.com/StricklySoft/stricklysoft-valet/pkg/valet"
)

// Handler ids of the built-in routes.
const (
	RouteHealth      = "GET /healthz"
	RouteReady       = "GET /readyz"
	RouteMetrics     = "GET /metrics"
	RouteMe          = "GET /api/me"
	RouteValetKey    = "POST /api/valet-key"
	RouteKeys        = "GET /api/admin/keys"
	RouteKeysRefresh = "POST /api/admin/keys/refresh"
)

// AdminRole is required by the key administration routes.
const AdminRole = "admin"

// KeySource is the part of [auth.KeyCache] the admin routes use.
type KeySource interface {
	Current() *auth.SigningKeySet
	ForceRefresh(ctx context.Context) (*auth.SigningKeySet, error)
}

// Probe reports liveness and readiness. [lifecycle.Service] implements it.
type Probe interface {
	Health(ctx context.Context) error
	Ready(ctx context.Context) error
}

// Options configures [NewRouter]. Pipeline and Issuer are required; a nil
// Keys omits the admin routes and a nil Probe reports always healthy.
type Options struct {
	Pipeline *auth.Pipeline
	Issuer   *valet.Issuer
	Keys     KeySource
	Probe    Probe

	// AllowedOrigins feeds [DefaultCORSOptions] when CORSOptions is nil.
	AllowedOrigins []string
	CORSOptions    *cors.Options

	Logger *slog.Logger
}

// DefaultPolicyTable declares the built-in routes. Probes and metrics are
// anonymous, the API group requires authentication, and key administration
// requires the admin role. Undeclared handlers require authentication.
func DefaultPolicyTable() auth.PolicyTable {
	return auth.PolicyTable{
		Default: auth.DefaultAuthenticated,
		Groups: map[string]auth.Marker{
			"probes": {AllowAnonymous: true},
			"api":    {RequireAuth: true},
			"admin":  {Roles: []string{AdminRole}, PolicyName: "AdminOnly"},
		},
		Handlers: []auth.HandlerDecl{
			{ID: RouteHealth, Group: "probes"},
			{ID: RouteReady, Group: "probes"},
			{ID: RouteMetrics, Group: "probes"},
			{ID: RouteGRPCHealthCheck, Group: "probes"},
			{ID: RouteGRPCHealthWatch, Group: "probes"},
			{ID: RouteMe, Group: "api"},
			{ID: RouteValetKey, Group: "api", Marker: auth.Marker{PolicyName: "Uploader"}},
			{ID: RouteKeys, Group: "admin"},
			{ID: RouteKeysRefresh, Group: "admin"},
		},
	}
}

// DefaultCORSOptions allows browser clients on origins to call the API
// with bearer tokens.
func DefaultCORSOptions(origins []string) cors.Options {
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}
}

// NewRouter builds the router. Stage order per request: request id, real
// IP, metrics, panic recovery, CORS, then the policy pipeline of the
// matched route. Preflight requests end at the CORS stage.
func NewRouter(opts Options) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{issuer: opts.Issuer, keys: opts.Keys, probe: opts.Probe, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.MetricsMiddleware)
	r.Use(auth.Recover)

	corsCfg := DefaultCORSOptions(opts.AllowedOrigins)
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	route := func(id string, handler http.Handler) {
		method, pattern := splitRoute(id)
		r.Method(method, pattern, opts.Pipeline.Handle(id, handler))
	}

	route(RouteHealth, http.HandlerFunc(h.health))
	route(RouteReady, http.HandlerFunc(h.ready))
	route(RouteMetrics, promhttp.Handler())
	route(RouteMe, http.HandlerFunc(h.me))
	route(RouteValetKey, http.HandlerFunc(h.valetKey))
	if opts.Keys != nil {
		route(RouteKeys, http.HandlerFunc(h.listKeys))
		route(RouteKeysRefresh, http.HandlerFunc(h.refreshKeys))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, auth.ErrorResponse{
			Error:      auth.PublicMessage(http.StatusNotFound),
			StatusCode: http.StatusNotFound,
		})
	})
	return r
}

// NewHTTPServer wraps handler with the server timeouts used by valetd.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func splitRoute(id string) (method, pattern string) {
	method, pattern, ok := strings.Cut(id, " ")
	if !ok {
		return http.MethodGet, id
	}
	return method, pattern
}
