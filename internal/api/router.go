package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apsidal/beamline-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)

		// System metrics (no auth required for basic monitoring)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket upgrade. Browsers cannot set headers on upgrade
		// requests, so auth is a single-use ticket from /auth/ws-ticket
		// validated inside the handler.
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/me", s.handleMe)

			// WS ticket requires authentication - the caller must be
			// logged in to request a ticket
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Device endpoints (live instrument registry)
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.requirePermission(auth.PermDeviceRead, s.handleListDevices))
				r.Get("/labels", s.requirePermission(auth.PermDeviceRead, s.handleListLabels))

				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", s.requirePermission(auth.PermDeviceRead, s.handleGetDevice))
					r.Get("/readings", s.requirePermission(auth.PermDeviceRead, s.handleDeviceReadings))
					r.Get("/configuration", s.requirePermission(auth.PermDeviceRead, s.handleDeviceConfiguration))
					r.Put("/set", s.requirePermission(auth.PermDeviceOperate, s.handleSetDevice))
					r.Post("/stop", s.requirePermission(auth.PermDeviceOperate, s.handleStopDevice))
				})
			})

			// Run catalog endpoints
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.requirePermission(auth.PermRunRead, s.handleListRuns))

				r.Route("/{uid}", func(r chi.Router) {
					r.Get("/", s.requirePermission(auth.PermRunRead, s.handleGetRun))
					r.Get("/streams", s.requirePermission(auth.PermRunRead, s.handleGetStreams))
					r.Get("/streams/{stream}/events", s.requirePermission(auth.PermRunRead, s.handleGetEvents))
					r.Get("/streams/{stream}/table", s.requirePermission(auth.PermRunRead, s.handleGetTable))
					r.Get("/xdi", s.requirePermission(auth.PermRunExport, s.handleExportXDI))
				})
			})

			// Plan execution endpoints
			r.Route("/plans", func(r chi.Router) {
				r.Post("/", s.requirePermission(auth.PermPlanSubmit, s.handleSubmitPlan))
				r.Get("/current", s.requirePermission(auth.PermRunRead, s.handleCurrentPlan))
				r.Post("/abort", s.requirePermission(auth.PermPlanAbort, s.handleAbortPlan))
			})

			// Motor position save/recall endpoints
			r.Route("/positions", func(r chi.Router) {
				r.Get("/", s.requirePermission(auth.PermDeviceRead, s.handleListPositions))
				r.Post("/", s.requirePermission(auth.PermPositionManage, s.handleSavePosition))

				r.Route("/{uid}", func(r chi.Router) {
					r.Get("/", s.requirePermission(auth.PermDeviceRead, s.handleGetPosition))
					r.Delete("/", s.requirePermission(auth.PermPositionManage, s.handleDeletePosition))
					r.Post("/recall", s.requirePermission(auth.PermPositionManage, s.handleRecallPosition))
				})
			})

			// Facility endpoints (hutches, endstations)
			r.Route("/hutches", func(r chi.Router) {
				r.Get("/", s.requirePermission(auth.PermDeviceRead, s.handleListHutches))
				r.Post("/", s.requirePermission(auth.PermFacilityManage, s.handleCreateHutch))

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.requirePermission(auth.PermDeviceRead, s.handleGetHutch))
					r.Patch("/", s.requirePermission(auth.PermFacilityManage, s.handleUpdateHutch))
					r.Delete("/", s.requirePermission(auth.PermFacilityManage, s.handleDeleteHutch))
					r.Get("/endstations", s.requirePermission(auth.PermDeviceRead, s.handleListEndstations))
				})
			})

			// Console layout endpoints
			r.Route("/consoles", func(r chi.Router) {
				r.Get("/", s.requirePermission(auth.PermDeviceRead, s.handleListConsoles))

				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", s.requirePermission(auth.PermDeviceRead, s.handleGetConsole))
					r.Put("/", s.requirePermission(auth.PermConsoleManage, s.handleSaveConsole))
					r.Delete("/", s.requirePermission(auth.PermConsoleManage, s.handleDeleteConsole))
				})
			})

			// User management endpoints
			r.Route("/users", func(r chi.Router) {
				r.Get("/", s.requirePermission(auth.PermUserManage, s.handleListUsers))
				r.Post("/", s.requirePermission(auth.PermUserManage, s.handleCreateUser))

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.requirePermission(auth.PermUserManage, s.handleGetUser))
					r.Patch("/", s.requirePermission(auth.PermUserManage, s.handleUpdateUser))
					r.Delete("/", s.requirePermission(auth.PermUserManage, s.handleDeleteUser))
					r.Put("/hutches", s.requirePermission(auth.PermUserManage, s.handleSetUserHutches))
				})
			})

			// Commissioning endpoints (EPICS .db import)
			r.Route("/commissioning", func(r chi.Router) {
				r.Post("/db/parse", s.requirePermission(auth.PermCommissionManage, s.handleDBParse))
			})

			// Audit trail query
			r.Get("/audit", s.requirePermission(auth.PermSystemAdmin, s.handleListAudit))

			// System info
			r.Get("/system/info", s.requirePermission(auth.PermDeviceRead, s.handleSystemInfo))
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"beamline": s.beamline,
		"version":  s.version,
	})
}
