package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls CORS; the gatherer backing /metrics is a separate
// NewServer argument.
type Config struct {
	CORSAllowedOrigins []string
}

// Server bundles the root chi router plus the authenticated API
// sub-routers that handler packages mount onto.
type Server struct {
	Root        chi.Router
	APIRouter   chi.Router
	AdminRouter chi.Router
}

// HTTPMetrics is the pair of collectors the Metrics middleware records
// against.
type HTTPMetrics struct {
	Duration *prometheus.HistogramVec
	Total    *prometheus.CounterVec
}

// NewServer builds the root router with the standard middleware chain
// (RequestID, Logger, Metrics, Recoverer, CORS), unauthenticated
// /healthz, /readyz and /metrics endpoints, and two mountable
// sub-routers: /api/v1 (identity required) and /api/v1/admin
// (identity + RBAC required, wired by the caller).
func NewServer(cfg Config, logger *slog.Logger, gatherer prometheus.Gatherer, metrics *HTTPMetrics, readyFn func() error) *Server {
	root := chi.NewRouter()

	root.Use(middleware.RequestID)
	root.Use(Logger(logger))
	if metrics != nil {
		root.Use(Metrics(metrics.Duration, metrics.Total))
	}
	root.Use(middleware.Recoverer)
	root.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Nostr"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		Respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	root.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if readyFn != nil {
			if err := readyFn(); err != nil {
				RespondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
				return
			}
		}
		Respond(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if gatherer != nil {
		root.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	apiRouter := chi.NewRouter()
	root.Mount("/api/v1", apiRouter)

	adminRouter := chi.NewRouter()
	apiRouter.Mount("/admin", adminRouter)

	return &Server{
		Root:        root,
		APIRouter:   apiRouter,
		AdminRouter: adminRouter,
	}
}
