// Package api provides the HTTP REST API and WebSocket server for the
// beamline control core.
//
// It exposes the instrument registry, the run catalog, plan execution,
// motor position save/recall, and system management endpoints to
// operator interfaces (control-hutch consoles, browser GUIs, beamsh).
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apsidal/beamline-core/internal/audit"
	"github.com/apsidal/beamline-core/internal/auth"
	"github.com/apsidal/beamline-core/internal/catalog"
	"github.com/apsidal/beamline-core/internal/console"
	"github.com/apsidal/beamline-core/internal/facility"
	"github.com/apsidal/beamline-core/internal/infrastructure/config"
	"github.com/apsidal/beamline-core/internal/infrastructure/logging"
	"github.com/apsidal/beamline-core/internal/instrument"
	"github.com/apsidal/beamline-core/internal/motorpos"
	"github.com/apsidal/beamline-core/internal/scan"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	// Beamline is the configured beamline name, reported in health/info.
	Beamline string

	Registry  *instrument.Registry
	Engine    *scan.Engine
	Catalog   *catalog.SQLiteRepository
	Positions *motorpos.Service
	Facility  facility.Repository
	Consoles  *console.SQLiteRepository
	Audit     audit.Repository

	Users       auth.UserRepository
	Tokens      auth.TokenRepository
	ConsoleIDs  auth.ConsoleRepository
	HutchAccess auth.HutchAccessRepository

	// ExternalHub lets main share one hub between the server and the
	// engine's document broadcast sink.
	ExternalHub *Hub
	Version     string
}

// Server is the HTTP API server for the beamline control core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	beamline string

	registry    *instrument.Registry
	engine      *scan.Engine
	catalog     *catalog.SQLiteRepository
	positions   *motorpos.Service
	facility    facility.Repository
	consoles    *console.SQLiteRepository
	auditRepo   audit.Repository
	users       auth.UserRepository
	tokens      auth.TokenRepository
	consoleIDs  auth.ConsoleRepository
	hutchAccess auth.HutchAccessRepository

	version     string
	server      *http.Server
	hub         *Hub
	externalHub bool // true if hub was injected externally
	startedAt   time.Time
	auditCh     chan *audit.AuditLog
	tickets     *ticketStore
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, registry, engine)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("instrument registry is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("scan engine is required")
	}
	// Catalog, positions, facility, consoles, and auth repos are optional;
	// their route groups return 503 when absent so a trimmed deployment
	// (e.g. a mobile IOC test stand) still serves device control.

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		beamline:    deps.Beamline,
		registry:    deps.Registry,
		engine:      deps.Engine,
		catalog:     deps.Catalog,
		positions:   deps.Positions,
		facility:    deps.Facility,
		consoles:    deps.Consoles,
		auditRepo:   deps.Audit,
		users:       deps.Users,
		tokens:      deps.Tokens,
		consoleIDs:  deps.ConsoleIDs,
		hutchAccess: deps.HutchAccess,
		version:     deps.Version,
		tickets:     newTicketStore(),
	}

	// Use externally-provided hub if available (needed when the engine's
	// document sink also broadcasts through the hub).
	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub and background
// workers (ticket cleanup, async audit writer), and launches the HTTP
// listener in a background goroutine. The server can be stopped with
// Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.startedAt = time.Now()

	// Create WebSocket hub (unless one was injected externally)
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}

	// Start periodic ticket cleanup to prevent memory leaks
	go s.tickets.cleanLoop(srvCtx)

	// Start the async audit writer
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.AuditLog, auditChanSize)
		go s.auditWriterLoop(srvCtx)
	}

	// Build router
	router := s.buildRouter()

	// Create HTTP server
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	// Start listening in background
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup, audit writer)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
