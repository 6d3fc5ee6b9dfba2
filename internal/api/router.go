package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/laserlink-core/internal/auth"
)

// buildRouter creates the router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/auth/login", s.handleLogin)

		// Authenticated by ticket inside the handler.
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/devices", func(r chi.Router) {
				r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleListDevices)
				r.With(s.require(auth.PermDeviceRead)).Get("/current", s.handleCurrentDevice)

				r.Route("/{uuid}", func(r chi.Router) {
					r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleGetDevice)
					r.With(s.require(auth.PermDeviceOperate)).Post("/select", s.handleSelectDevice)
					r.With(s.require(auth.PermDeviceRead)).Post("/report", s.handleReport)
					r.With(s.require(auth.PermDeviceOperate)).Post("/{op}", s.handleDeviceOp)
				})
			})

			r.With(s.require(auth.PermDiscoveryPoke)).Post("/discovery/poke", s.handlePoke)
			r.With(s.require(auth.PermClientManage)).Get("/journal", s.handleJournal)
		})
	})

	return r
}

// handleHealth returns liveness and discovery state.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	if s.discovery != nil {
		resp["discovery_role"] = s.discovery.Role().String()
		resp["discovery_connected"] = s.discovery.CheckConnection()
	}
	writeJSON(w, http.StatusOK, resp)
}
