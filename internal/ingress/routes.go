package ingress

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipemaragno/doneq/internal/observability"
)

type RouterConfig struct {
	Handler       *Handler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	Logger        *slog.Logger
	AuthToken     string
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}
	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	r.Get("/v1/system/ping", cfg.Handler.Ping)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", cfg.HealthHandler.Health)
	r.Get("/ready", cfg.HealthHandler.Ready)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.AuthToken))

		r.Route("/v1/messages", func(r chi.Router) {
			r.Get("/by-status/{status}", cfg.Handler.ListByStatus)
			r.Get("/{id}", cfg.Handler.GetMessage)
			r.Post("/*", cfg.Handler.CreateMessage)
		})

		r.Route("/v1/admin", func(r chi.Router) {
			r.Get("/stats", cfg.Handler.Stats)
			r.Get("/raw", cfg.Handler.Raw)
			r.Get("/raw/{match}", cfg.Handler.Raw)
			r.Get("/logs", cfg.Handler.Logs)
			r.Get("/log/{message_id}", cfg.Handler.LogForMessage)
			r.Delete("/reset", cfg.Handler.Reset)
			r.Delete("/reset/{match}", cfg.Handler.Reset)
		})

		r.Get("/v1/system/health", cfg.Handler.Health)
	})

	return r
}

// bearerAuth requires "Authorization: Bearer <token>" to match token
// exactly, via a constant-time comparison.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			header := r.Header.Get("Authorization")
			if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
				http.Error(w, `{"message":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}
			supplied := header[len(prefix):]
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
				http.Error(w, `{"message":"invalid bearer token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
