package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const requestTimeout = 10 * time.Second

// NewRouter wires every endpoint. extra middlewares run before routing,
// right after request ids are assigned.
func NewRouter(h *Handler, hub *BookHub, extra ...func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(extra...)

	if hub != nil {
		r.Get("/ws", hub.ServeWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		// Public endpoints
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		// Protected endpoints (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(h.JWTAuthMiddleware)
			r.Get("/balance", h.GetBalance)
			r.Post("/balance", h.TopUp)
			r.Post("/market_order", h.PlaceMarketOrder)
			r.Post("/standing_order", h.PlaceStandingOrder)
			r.Get("/standing_order/{id}", h.GetStandingOrder)
			r.Delete("/standing_order/{id}", h.CancelStandingOrder)
			r.Get("/orderbook", h.GetOrderBook)
		})
	})

	return r
}
