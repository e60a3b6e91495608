package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stockroom.app/internal/auth"
	"stockroom.app/internal/obs"
)

const serviceName = "stockroom-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadyCheck: простая проверка готовности (например, ping БД).
type ReadyCheck struct {
	Store pinger
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Services are the domain collaborators the HTTP layer drives.
type Services struct {
	Sessions *auth.SessionService
	Tenants  *auth.TenantService
	Roles    *auth.RoleAdmin
	Gate     *auth.Gate
}

func (s Services) validate() error {
	if s.Sessions == nil || s.Tenants == nil || s.Roles == nil || s.Gate == nil {
		return errors.New("httpapi: sessions, tenants, roles and gate are required")
	}
	return nil
}

// API: HTTP слой.
type API struct {
	svc       Services
	readiness readinessChecker
	version   string
	log       logrus.FieldLogger

	rateBurst   int
	ratePerSec  float64
	maxBody     int64
	corsOrigins []string
	proxies     []netip.Prefix
}

type Option func(*API)

func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = append([]string(nil), origins...) }
}

// WithTrustedProxies lists the peers whose X-Forwarded-For header is believed.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) { a.proxies = append([]netip.Prefix(nil), prefixes...) }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

func New(svc Services, rp readinessChecker, version string, opts ...Option) (*API, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	if rp == nil {
		rp = ReadyCheck{}
	}
	a := &API{
		svc:        svc,
		readiness:  rp,
		version:    version,
		log:        obs.Logger(),
		rateBurst:  40,
		ratePerSec: 20,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(obs.Instrument)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	a.mount(r, a.routes())

	var h http.Handler = r
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = ClientIP(h, a.proxies)
	h = RequestID(h)
	return otelhttp.NewHandler(h, serviceName)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
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
