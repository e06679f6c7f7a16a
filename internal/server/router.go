package server

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/queryloop/queryloop/internal/middleware"
)

// NewRouter mounts the websocket and REST endpoints.
func NewRouter(h *ThreadHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/ws/threads", h.ServeWS)
	r.Get("/ws/threads/{threadID}", h.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/threads", h.ListThreads)
		r.Get("/threads/{threadID}", h.GetThread)
		r.Delete("/threads/{threadID}", h.DeleteThread)
	})

	return r
}
