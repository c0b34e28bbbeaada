package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/teranos/scribe/logger"
	"github.com/teranos/scribe/metrics"
)

// routes builds the HTTP router
func (s *ScribeServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestContext)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.HandleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", s.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.HandleEnqueue)
			r.Get("/", s.HandleListJobs)
			r.Get("/stats", s.HandleJobStats)
			r.Get("/{id}", s.HandleGetJob)
			r.Post("/{id}/cancel", s.HandleCancelJob)
		})
		r.Route("/checkpoints", func(r chi.Router) {
			r.Get("/", s.HandleListCheckpoints)
			r.Get("/{jobID}", s.HandleGetCheckpoint)
			r.Delete("/{jobID}", s.HandleDiscardCheckpoint)
		})
		r.Route("/ledger", func(r chi.Router) {
			r.Get("/", s.HandleListLedger)
			r.Get("/{scope}", s.HandleLedgerStatus)
			r.Post("/{scope}/reset", s.HandleLedgerReset)
			r.Put("/{scope}/limits", s.HandleLedgerLimits)
		})
		r.Delete("/cache", s.HandleInvalidateCache)
	})
	return r
}

// requestContext carries the chi request ID into the logging context
func (s *ScribeServer) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithComponent(r.Context(), "server")
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = logger.WithRequestID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware adds CORS headers for origins allowed by
// server.allowed_origins, the same check WebSocket upgrades use
func (s *ScribeServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
