// Package httpapi exposes the pool façade over HTTP for same-deployment
// collaborators (the protocol bridge, the registrar, dashboards). It adds no
// behavior of its own beyond JSON plumbing and error mapping.
package httpapi

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hulisang/warp-pool/internal/pool"
)

// NewRouter wires the pool API routes. defaultTTL is the lease duration used
// when an allocate request does not ask for one.
func NewRouter(p *pool.Pool, defaultTTL time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/", RootHandler())
	r.Get("/api/health", HealthHandler())
	r.Get("/api/status", StatusHandler(p))

	r.Route("/api/accounts", func(r chi.Router) {
		r.Get("/list", ListAccountsHandler(p))
		r.Post("/allocate", AllocateHandler(p, defaultTTL))
		r.Post("/release", ReleaseHandler(p))
		r.Post("/extend", ExtendHandler(p, defaultTTL))
		r.Post("/mark_blocked", MarkBlockedHandler(p))
		r.Post("/refresh_credits", RefreshCreditsHandler(p))
		r.Post("/add_from_link", AddFromLinkHandler(p))
	})

	return r
}
