package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/cadence/internal/api/middleware"
)

// RouterDeps are the handlers and settings the router mounts.
type RouterDeps struct {
	Tasks     *TaskHandler
	Telephony *TelephonyHandler
	Auth      *middleware.AuthMiddleware
	// WebhookSecret guards the provider callbacks. Empty disables them.
	WebhookSecret string
	// Metrics serves /metrics when set.
	Metrics        http.Handler
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewTraceMiddleware(d.Logger))
	if d.RequestTimeout > 0 {
		r.Use(chimiddleware.Timeout(d.RequestTimeout))
	}

	r.Route("/api", func(r chi.Router) {
		if d.Telephony != nil && d.WebhookSecret != "" {
			r.With(middleware.RequireSecret(d.WebhookSecret)).
				Post("/webhooks/telephony", d.Telephony.CallCompleted)
		}

		r.Group(func(r chi.Router) {
			r.Use(d.Auth.Authenticate)
			r.Post("/tasks", d.Tasks.CreateTask)
			r.Get("/tasks/{id}", d.Tasks.GetTask)
			r.Post("/tasks/{id}/approve", d.Tasks.ApproveTask)
			r.Post("/tasks/{id}/defer", d.Tasks.DeferTask)
			r.Post("/tasks/{id}/resume", d.Tasks.ResumeTask)
			r.Get("/activity", d.Tasks.ListActivity)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			d.Logger.Error("failed to write health check response", "error", err)
		}
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	return r
}
