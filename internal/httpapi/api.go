// Package httpapi is the HTTP surface of the engine: token issuance, the
// generic resource endpoints and the operational probes.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"scopegate.org/internal/auth"
	"scopegate.org/internal/config"
	"scopegate.org/internal/engine"
	"scopegate.org/internal/obs"
	"scopegate.org/internal/stream"
)

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe struct {
	Ping func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Ping == nil {
		return nil
	}
	return rp.Ping(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	engine     *engine.Engine
	resolver   *auth.Resolver
	cfg        *config.Config
	events     *stream.Stream
	readyProbe ReadyProbe
	version    string
	logger     *zap.Logger
}

// Option configures the API.
type Option func(*API)

// WithEvents enables the SSE endpoint.
func WithEvents(s *stream.Stream) Option {
	return func(a *API) { a.events = s }
}

// WithReadyProbe attaches a store reachability check for /readyz.
func WithReadyProbe(rp ReadyProbe) Option {
	return func(a *API) { a.readyProbe = rp }
}

// WithVersion sets the build version reported by the info endpoints.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

func New(eng *engine.Engine, resolver *auth.Resolver, cfg *config.Config, opts ...Option) *API {
	a := &API{
		mux:      http.NewServeMux(),
		engine:   eng,
		resolver: resolver,
		cfg:      cfg,
		version:  "dev",
		logger:   obs.Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleToken)
	a.mux.HandleFunc("/v1/auth/revoke", a.handleRevoke)

	a.mux.HandleFunc("/v1/resources/", a.handleResources)

	a.mux.HandleFunc("/v1/events", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.cfg.Server.MaxBodyBytes)
	h = RateLimit(h, a.cfg.Server.RateLimitBurst, a.cfg.Server.RateLimitRPS)
	h = SecurityHeaders(h)
	h = Logging(h, a.logger)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- probes ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "scopegate-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      "scopegate-api",
		"time":      time.Now().UTC().Format(time.RFC3339),
		"version":   a.version,
		"resources": a.engine.ResourceTypes(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := requestIDFrom(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
