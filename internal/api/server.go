package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/wiser-sync/internal/bridges/wiser"
	"github.com/nerrad567/wiser-sync/internal/infrastructure/config"
	"github.com/nerrad567/wiser-sync/internal/infrastructure/logging"
	"github.com/nerrad567/wiser-sync/internal/state"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// StateStore is the part of the host store served by the API.
// Implemented by *state.Store.
type StateStore interface {
	Object(ctx context.Context, id string) (state.Object, error)
	Objects(ctx context.Context, prefix string) ([]state.Object, error)
	Get(ctx context.Context, id string) (state.Value, error)
	List(ctx context.Context, prefix string) ([]state.Value, error)
	Write(ctx context.Context, id string, value any) error
	RecentCommands(ctx context.Context, limit int) ([]state.CommandRecord, error)
}

// Bridge is the view of the gateway bridge used by the API.
// Implemented by *wiser.Bridge.
type Bridge interface {
	Status() wiser.BridgeStatus
	Registry() *wiser.Registry
	Refresh(ctx context.Context) wiser.PassResult
}

// ClaimFunc pairs with the gateway at addr and returns the issued token.
type ClaimFunc func(ctx context.Context, addr, user string) (string, error)

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Store    StateStore
	Bridge   Bridge

	// Claim defaults to wiser.ClaimToken.
	Claim ClaimFunc

	// Hub, if set, is used instead of a server-owned hub. Register it as a
	// store mirror to stream state changes.
	Hub *Hub

	Version string
}

// Server is the admin HTTP API server.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	cfg     config.APIConfig
	secCfg  config.SecurityConfig
	logger  *logging.Logger
	store   StateStore
	bridge  Bridge
	claim   ClaimFunc
	version string

	server      *http.Server
	hub         *Hub
	externalHub bool
	cancel      context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	s := &Server{
		cfg:     deps.Config,
		secCfg:  deps.Security,
		logger:  deps.Logger,
		store:   deps.Store,
		bridge:  deps.Bridge,
		claim:   deps.Claim,
		version: deps.Version,
		hub:     deps.Hub,
	}
	if s.claim == nil {
		s.claim = func(ctx context.Context, addr, user string) (string, error) {
			return wiser.ClaimToken(ctx, addr, user)
		}
	}
	if s.hub != nil {
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.Logger)
	}
	return s, nil
}

// Hub returns the WebSocket hub. Register it with the store to stream changes.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr, "auth", s.authEnabled())
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
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

// HealthCheck verifies the API server is running.
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
