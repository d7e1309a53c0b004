package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xthreadcraft/internal/config"
	"xthreadcraft/internal/logger"
	"xthreadcraft/internal/service"
)

// requestTimeout bounds a whole API request; immediate deletions make one
// external call per post.
const requestTimeout = 60 * time.Second

// Pinger checks that the database answers.
type Pinger func(ctx context.Context) error

// NewRouter assembles the HTTP API.
func NewRouter(cfg config.AuthConfig, svc *service.DeletionService, ping Pinger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", healthz(ping))
	r.Handle("/metrics", promhttp.Handler())

	h := NewDeletionHandler(svc)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(requestTimeout))
		r.Use(Authenticator([]byte(cfg.JWTSecret), cfg.Issuer))

		r.Post("/scheduled-deletions", h.Schedule)
		r.Get("/scheduled-deletions", h.List)
		r.Delete("/scheduled-deletions/{id}", h.Cancel)

		r.Delete("/posts/{postID}", h.DeleteNow)
		r.Post("/posts/delete", h.DeleteMany)

		r.Get("/deleted-posts", h.History)
	})
	return r
}

func healthz(ping Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				logger.Warningf("Health check failed: %v", err)
				writeError(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "database unavailable")
				return
			}
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debugf("%s %s %d %v [%s]", r.Method, r.URL.Path, ww.Status(), time.Since(start), chimiddleware.GetReqID(r.Context()))
	})
}
