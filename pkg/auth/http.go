package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/StricklySoft/stricklysoft-valet/pkg/observability"

	sserr "github.com/StricklySoft/stricklysoft-valet/pkg/errors"
)

// Pipeline applies the policy of a handler to each request before the
// handler runs: resolve policy, resolve identity, authorize, attach the
// identity to the context. Anonymous handlers skip identity resolution
// entirely, so a broken identity provider never affects them.
//
// A Pipeline is built once at startup and shared by all routes.
type Pipeline struct {
	registry *Registry
	resolver *Resolver
	logger   *slog.Logger
}

// NewPipeline returns a pipeline. A nil logger uses slog.Default().
func NewPipeline(registry *Registry, resolver *Resolver, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{registry: registry, resolver: resolver, logger: logger}
}

// Registry returns the policy registry the pipeline enforces.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Authenticate runs the pipeline stages for handlerID and returns the
// context the handler should run with. It is shared by the HTTP and gRPC
// front ends; the returned error is always an *sserr.Error.
func (p *Pipeline) Authenticate(ctx context.Context, handlerID string, get HeaderGetter) (context.Context, error) {
	policy := p.registry.Resolve(handlerID)
	ctx = ContextWithPolicy(ctx, policy)
	if policy.IsAnonymous() {
		observability.AuthDecisionsTotal.WithLabelValues("", observability.OutcomeAnonymous, "").Inc()
		return ctx, nil
	}

	identity, err := p.resolver.Resolve(ctx, get)
	if err != nil {
		outcome := observability.OutcomeRejected
		if !sserr.IsAuthentication(err) {
			outcome = observability.OutcomeError
		}
		observability.AuthDecisionsTotal.WithLabelValues("", outcome, string(sserr.GetCode(err))).Inc()
		return ctx, sserr.FromError(err)
	}

	if err := Evaluate(identity, policy); err != nil {
		observability.AuthDecisionsTotal.WithLabelValues(string(identity.Source), observability.OutcomeDenied, string(sserr.GetCode(err))).Inc()
		return ctx, sserr.FromError(err).
			WithDetail("user_id", identity.UserID).
			WithDetail("policy", policy.String())
	}

	ctx, ok := ContextWithIdentity(ctx, identity)
	if !ok {
		return ctx, sserr.New(sserr.CodeAuthenticationMissingUserID, "auth: resolved identity has no user id")
	}
	observability.AuthDecisionsTotal.WithLabelValues(string(identity.Source), observability.OutcomeAllowed, "").Inc()
	return ctx, nil
}

// Handle wraps next with the policy declared for handlerID. Handler ids are
// conventionally "METHOD /route/pattern".
//
//	r.Method(http.MethodGet, "/api/me", pipeline.Handle("GET /api/me", meHandler))
func (p *Pipeline) Handle(handlerID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := p.Authenticate(r.Context(), handlerID, r.Header.Get)
		if err != nil {
			p.writeError(w, r.WithContext(ctx), handlerID, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandleFunc is Handle for plain functions.
func (p *Pipeline) HandleFunc(handlerID string, fn http.HandlerFunc) http.Handler {
	return p.Handle(handlerID, fn)
}

func (p *Pipeline) writeError(w http.ResponseWriter, r *http.Request, handlerID string, err error) {
	logError(r.Context(), p.logger, err, "handler", handlerID, "method", r.Method, "path", r.URL.Path)
	writeJSONError(w, sserr.HTTPStatus(err))
}

// ErrorResponse is the body of every failed request. It carries a generic
// message only; the error code and details go to the log.
type ErrorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
}

// PublicMessage returns the client-facing message for status.
func PublicMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "Bad request"
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusForbidden:
		return "Insufficient privileges"
	case http.StatusNotFound:
		return "Not found"
	case http.StatusServiceUnavailable:
		return "Service unavailable"
	case http.StatusGatewayTimeout:
		return "Gateway timeout"
	default:
		return "Internal server error"
	}
}

// WriteError logs err and writes the generic JSON error body for its
// status. Handlers behind the pipeline use it for their own failures.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r.Context(), slog.Default(), err, "method", r.Method, "path", r.URL.Path)
	writeJSONError(w, sserr.HTTPStatus(err))
}

func writeJSONError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: PublicMessage(status), StatusCode: status})
}

func logError(ctx context.Context, logger *slog.Logger, err error, attrs ...any) {
	e := sserr.FromError(err)
	attrs = append(attrs, "code", string(e.Code), "error", e.Error())
	if traceID, ok := TraceIDFromContext(ctx); ok {
		attrs = append(attrs, "trace_id", traceID)
	}
	for k, v := range e.Details {
		attrs = append(attrs, k, v)
	}
	if e.HTTPStatus() >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "auth: request failed", attrs...)
		return
	}
	logger.WarnContext(ctx, "auth: request rejected", attrs...)
}

// Recover converts panics in downstream handlers into a 500 JSON response.
// http.ErrAbortHandler is re-panicked so net/http can abort the connection.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.ErrorContext(r.Context(), "auth: handler panicked",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			writeJSONError(w, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}
