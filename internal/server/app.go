package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/diewo77/go-jobshop/auth"
	"github.com/diewo77/go-jobshop/httpx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// App is the main application handler that sets up all routes.
type App struct {
	mux       *http.ServeMux
	db        *gorm.DB
	auth      *auth.Authenticator
	registry  *prometheus.Registry
	log       *slog.Logger
	routerCfg *RouterConfig
}

// NewApp builds the services from d and registers the routes.
func NewApp(d Deps) *App {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Auth == nil {
		d.Auth = auth.New("devsessionsecret", false)
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	app := &App{
		mux:       http.NewServeMux(),
		db:        d.DB,
		auth:      d.Auth,
		registry:  d.Registry,
		log:       d.Logger,
		routerCfg: NewRouterConfig(d),
	}
	app.setupRoutes()
	return app
}

// RouterConfig exposes the services for commands that run outside HTTP.
func (a *App) RouterConfig() *RouterConfig { return a.routerCfg }

// ServeHTTP implements http.Handler.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler := a.recoverer(a.withLogging(a.auth.Middleware(a.mux)))
	handler.ServeHTTP(w, r)
}

func (a *App) setupRoutes() {
	oh := a.routerCfg.OrderHandler
	ch := a.routerCfg.ChargeHandler
	dh := a.routerCfg.DepartmentHandler
	qh := a.routerCfg.QuoteHandler

	a.mux.HandleFunc("GET /health", a.health)
	a.mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	// Orders and parts
	a.mux.HandleFunc("GET /orders", oh.List)
	a.mux.Handle("POST /orders", mutating(oh.Create))
	a.mux.HandleFunc("GET /orders/{id}", oh.Get)
	a.mux.Handle("PATCH /orders/{id}", mutating(oh.Update))
	a.mux.HandleFunc("GET /orders/{id}/history", oh.History)
	a.mux.Handle("POST /orders/{id}/resync", mutating(oh.Resync))
	a.mux.Handle("POST /orders/{id}/parts", mutating(oh.AddPart))
	a.mux.Handle("PATCH /orders/{id}/parts/{partID}", mutating(oh.UpdatePart))
	a.mux.Handle("DELETE /orders/{id}/parts/{partID}", mutating(oh.DeletePart))

	// Charge ledger and checklist
	a.mux.HandleFunc("GET /orders/{id}/charges", ch.List)
	a.mux.Handle("POST /orders/{id}/charges", mutating(ch.Create))
	a.mux.Handle("PATCH /orders/{id}/charges/{chargeID}", mutating(ch.Update))
	a.mux.Handle("DELETE /orders/{id}/charges/{chargeID}", mutating(ch.Delete))
	a.mux.Handle("PUT /orders/{id}/checklist/{itemID}", mutating(ch.ToggleChecklist))

	// Routing
	a.mux.Handle("POST /orders/{id}/transitions", mutating(dh.Transition))
	a.mux.HandleFunc("GET /departments/{id}/feed", dh.Feed)

	// Quotes
	a.mux.Handle("POST /quotes/{id}/convert", mutating(qh.Convert))
}

// mutating requires an identified actor.
func mutating(h http.HandlerFunc) http.Handler {
	return auth.RequireActor(h)
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := a.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		a.log.Warn("health check failed", "error", err)
		httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withLogging adds request logging middleware.
func (a *App) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func (a *App) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				a.log.Error("panic serving request", "method", r.Method, "path", r.URL.Path, "panic", v)
				httpx.JSONError(w, http.StatusInternalServerError, "internal_error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
