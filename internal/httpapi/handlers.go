package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"escrowd.org/internal/engine"
	"escrowd.org/internal/obs"
	"escrowd.org/internal/stream"
)

const serviceName = "escrowd"

// ReadyProbe is a simple readiness check (pings the database when there is one).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer over the escrow engine. It adds no business rules.
type API struct {
	engine     *engine.Engine
	stream     *stream.Stream
	readyProbe readinessChecker
	version    string

	rateBurst  int
	ratePerSec float64
	tokenTTL   time.Duration
}

// Option configures API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

// WithTokenTTL sets the lifetime of tokens issued by /v1/auth/token.
func WithTokenTTL(ttl time.Duration) Option {
	return func(a *API) {
		if ttl > 0 {
			a.tokenTTL = ttl
		}
	}
}

func New(rp readinessChecker, version string, eng *engine.Engine, st *stream.Stream, opts ...Option) *API {
	a := &API{
		engine:     eng,
		stream:     st,
		readyProbe: rp,
		version:    version,
		rateBurst:  100,
		ratePerSec: 50,
		tokenTTL:   time.Hour,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully wrapped router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Group(func(p chi.Router) {
		p.Use(a.withAuth)
		p.With(RequireRole(roleAdmin)).Post("/v1/auth/token", a.handleAuthToken)
		a.mountEscrows(p)
		a.mountDisputes(p)
		p.With(RequireRole(roleAdmin)).Post("/v1/payouts/abort", a.abortPayout)
		p.With(RequireRole(roleAdmin)).Get("/v1/events", a.Stream)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return obs.Instrument(r)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
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
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
