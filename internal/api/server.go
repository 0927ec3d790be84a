package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/v900-core/internal/alert"
	"github.com/nerrad567/v900-core/internal/audit"
	"github.com/nerrad567/v900-core/internal/device"
	"github.com/nerrad567/v900-core/internal/infrastructure/config"
	"github.com/nerrad567/v900-core/internal/infrastructure/logging"
	"github.com/nerrad567/v900-core/internal/link"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// LinkStatus is the view of the device link the API reads.
// *comm.Service implements it.
type LinkStatus interface {
	Running() bool
	ConnectedCount() int
	IsConnected(deviceID string) bool
	Stats() link.Stats
}

// RelayDispatcher sends relay commands. *command.Dispatcher implements it.
type RelayDispatcher interface {
	SetRelay(deviceID, relay string, on bool) bool
	ToggleRelay(deviceID, relay string) bool
}

// TokenManager manages device pairing tokens. *auth.Authenticator implements it.
type TokenManager interface {
	Policy() string
	SetToken(ctx context.Context, deviceID, token string) error
	RevokeToken(ctx context.Context, deviceID string) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Registry   *device.Registry
	Link       LinkStatus
	Dispatcher RelayDispatcher
	Tokens     TokenManager  // optional: token endpoints answer 503 without it
	Alerts     *alert.Monitor  // optional: alerts are broadcast when set
	Audit      *audit.Recorder // optional: commands are not audited without it
	Panel      http.Handler    // optional: dashboard served at / when set
	Version    string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	logger     *logging.Logger
	registry   *device.Registry
	link       LinkStatus
	dispatcher RelayDispatcher
	tokens     TokenManager
	audit      *audit.Recorder
	panel      http.Handler
	version    string

	hub      *Hub
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc // cancels background goroutines on Close()
	done     chan struct{}      // closed when the snapshot relay exits
}

// New creates a new API server. The server is not started until Start() is
// called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Link == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("link status and dispatcher are required")
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		logger:     deps.Logger,
		registry:   deps.Registry,
		link:       deps.Link,
		dispatcher: deps.Dispatcher,
		tokens:     deps.Tokens,
		audit:      deps.Audit,
		panel:      deps.Panel,
		version:    deps.Version,
		hub:        NewHub(deps.WS, deps.Logger),
	}

	if deps.Alerts != nil {
		deps.Alerts.OnAlert(func(a alert.Alert) {
			s.hub.Broadcast(EventAlertPrefix+a.Type, a)
		})
	}
	return s, nil
}

// Start binds the listener and serves in the background. A bind failure is
// returned to the caller.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srvCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.listener = ln
	s.done = make(chan struct{})

	go s.hub.Run(srvCtx)

	sub := s.registry.Subscribe()
	go func() {
		defer close(s.done)
		s.relaySnapshots(srvCtx, sub)
	}()

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
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
		<-s.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// relaySnapshots broadcasts every registry snapshot to WebSocket clients.
func (s *Server) relaySnapshots(ctx context.Context, sub *device.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-sub.C():
			s.hub.Broadcast(EventDevicesSnapshot, newSnapshotPayload(snap))
		}
	}
}
