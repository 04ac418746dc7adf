// ABOUTME: HTTP routing for the conversation API using chi
// ABOUTME: Public health and setup routes, authenticated and rate-limited conversation routes

package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/2389/coven-rag/internal/auth"
)

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)
	if g.metrics != nil {
		r.Use(g.metrics.Middleware)
	}
	if origins := g.config.CORS.AllowedOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.HeaderPrincipalID, auth.HeaderPrincipalName},
			ExposedHeaders:   []string{headerConversationID},
			AllowCredentials: g.config.CORS.AllowCredentials,
			MaxAge:           g.config.CORS.MaxAge,
		}))
	}

	// Health and setup endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	r.Get("/auth_setup", g.handleAuthSetup)
	if g.metrics != nil {
		r.Method(http.MethodGet, g.config.Metrics.Path, g.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(g.authOptions))
		if g.limiter != nil {
			r.Use(g.rateLimit)
		}

		r.Post("/ask", g.handleAsk)
		r.Post("/chat", g.handleChat)

		r.Route("/conversation", func(r chi.Router) {
			r.Post("/add", g.handleAddTurn)
			r.Post("/delete", g.handleDeleteConversation)
			r.Post("/update", g.handleUpdateConversation)
			r.Post("/list", g.handleListConversations)
			r.Post("/read", g.handleReadConversation)
			r.Post("/gen_title", g.handleGenerateTitle)
			r.Get("/events", g.handleEvents)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		g.sendJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// requestLogger logs one line per request through the gateway's slog logger.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
