package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/inbox-sync/internal/middleware"
	"github.com/capitalize-ai/inbox-sync/pkg/logger"
)

// Routes bundles the handlers and the settings of their middleware.
type Routes struct {
	Health        *HealthHandler
	Inbox         *InboxHandler
	Stream        *StreamHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler

	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Logger            *logger.Logger
}

// Router builds the API router.
func Router(rt Routes) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(rt.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(rt.AllowedOrigins...))

	// Health endpoints (no auth required)
	r.Get("/health", rt.Health.Health)
	r.Get("/ready", rt.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(rt.JWTSecret))
		r.Use(middleware.RateLimit(rt.RateLimitRequests, rt.RateLimitWindow))

		r.Get("/agents", rt.Conversations.ListAgents)

		r.Route("/inbox", func(r chi.Router) {
			r.Get("/", rt.Inbox.Snapshot)
			r.Delete("/", rt.Inbox.Dispose)
			r.Post("/refresh", rt.Inbox.Refresh)
			r.Put("/filter", rt.Inbox.SetFilter)
			r.Post("/page/{page}", rt.Inbox.SetPage)
			r.Get("/export", rt.Inbox.Export)
			r.Get("/live", rt.Stream.Live)
			r.Post("/mutations", rt.Inbox.Mutate)

			r.Delete("/threads", rt.Inbox.CloseThread)
			r.Post("/threads/{id}/open", rt.Inbox.OpenThread)

			r.Route("/conversations", func(r chi.Router) {
				r.Post("/status", rt.Inbox.BulkSetStatus)
				r.Post("/read", rt.Inbox.MarkRead)
				r.Post("/{id}/status", rt.Inbox.SetStatus)
				r.Post("/{id}/replies", rt.Inbox.SendReply)
			})
		})

		// Channel adapters
		r.Route("/ingress", func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeIngress))

			r.Put("/agents/{id}", rt.Conversations.PutAgent)
			r.Post("/conversations", rt.Conversations.Create)
			r.Get("/conversations/{id}/messages", rt.Messages.List)
			r.Post("/conversations/{id}/messages", rt.Messages.Receive)
		})
	})

	return r
}
