package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/laserlink-core/internal/audit"
	"github.com/nerrad567/laserlink-core/internal/auth"
	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/discovery"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/config"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// listenerID is the id the server registers its discovery listener under.
const listenerID = "api"

// Discovery is the part of the discovery coordinator the API uses.
type Discovery interface {
	Role() discovery.Role
	Devices() []device.Info
	CheckConnection() bool
	PokeIP(ctx context.Context, ip string, opts discovery.PokeOptions) error
	Register(id string, fn discovery.Listener)
	Unregister(id string)
}

// Controller is the part of the device master the API uses.
type Controller interface {
	Select(ctx context.Context, info device.Info) error
	Current() (device.Info, bool)
	GetReport(ctx context.Context) (device.Status, error)
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Quit(ctx context.Context) error
	Kick(ctx context.Context) error
}

// Deps holds the dependencies of the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Security  config.SecurityConfig
	Logger    *logging.Logger
	Registry  *device.Registry
	Discovery Discovery
	Devices   Controller
	Clients   auth.ClientRepository
	// Journal records operations. Optional.
	Journal audit.Repository
	Version string
}

// Server is the local HTTP API server.
//
// Thread Safety: all methods are safe for concurrent use.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	registry  *device.Registry
	discovery Discovery
	devices   Controller
	clients   auth.ClientRepository
	journal   audit.Repository
	version   string
	startTime time.Time

	server  *http.Server
	hub     *Hub
	tickets *ticketStore
	cancel  context.CancelFunc
}

// New creates an API server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("device registry is required")
	}
	if deps.Clients == nil {
		return nil, errors.New("client repository is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		registry:  deps.Registry,
		discovery: deps.Discovery,
		devices:   deps.Devices,
		clients:   deps.Clients,
		journal:   deps.Journal,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
		tickets:   newTicketStore(),
	}, nil
}

// Start registers for discovery updates and begins listening in the
// background. Stop it with Close.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.watchDiscovery()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// watchDiscovery forwards device list changes to websocket subscribers.
func (s *Server) watchDiscovery() {
	if s.discovery == nil {
		return
	}
	s.discovery.Register(listenerID, func(devices []device.Info) {
		s.hub.Broadcast(ChannelDevicesUpdated, devices)
	})
}

// Close stops the listener, waiting up to gracefulShutdownTimeout for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.discovery != nil {
		s.discovery.Unregister(listenerID)
	}
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

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}
