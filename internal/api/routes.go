package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/offermail/internal/config"
	"github.com/ignite/offermail/internal/pkg/httputil"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, health *HealthChecker, cfg config.ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health checks (no auth required)
	if health != nil {
		r.Get("/health", health.HandleHealth)
		r.Get("/health/live", health.HandleLiveness)
		r.Get("/health/ready", health.HandleReadiness)
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(requireAPIKey(cfg.APIKey))
		}

		r.Post("/quota/recompute", h.RecomputeQuotas)

		r.Route("/clients/{clientID}", func(r chi.Router) {
			r.Get("/quota", h.GetQuota)
			r.Post("/jobs/force", h.ForceExecute)
			r.Post("/mailbox", h.ProvisionMailbox)
			r.Post("/mailbox/cancel-deletion", h.CancelDeletion)
		})

		r.Post("/jobs/{jobID}/cancel", h.CancelJob)

		r.Route("/sends/{sendID}", func(r chi.Router) {
			r.Post("/approve", h.ApproveSend)
			r.Post("/reject", h.RejectSend)
			r.Post("/bounce", h.RecordBounce)
			r.Post("/replied", h.MarkReplied)
		})

		r.Route("/lifecycle", func(r chi.Router) {
			r.Post("/sweep", h.Sweep)
			r.Post("/reconcile", h.Reconcile)
		})

		r.Get("/pacing", h.GetPacing)
		r.Put("/pacing", h.PutPacing)

		r.Get("/reputation/{email}", h.GetReputation)
		r.Delete("/reputation/{email}", h.ClearReputation)
	})

	return r
}

// requireAPIKey accepts the key as X-API-Key or as a bearer token.
func requireAPIKey(key string) func(http.Handler) http.Handler {
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			got := req.Header.Get("X-API-Key")
			if got == "" {
				got = strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				httputil.Error(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
