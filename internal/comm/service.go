package comm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/v900-core/internal/alert"
	"github.com/nerrad567/v900-core/internal/audit"
	"github.com/nerrad567/v900-core/internal/command"
	"github.com/nerrad567/v900-core/internal/device"
	"github.com/nerrad567/v900-core/internal/infrastructure/config"
	"github.com/nerrad567/v900-core/internal/link"
)

// ErrAlreadyStarted is returned by Start on a running or stopped service.
var ErrAlreadyStarted = errors.New("comm: service already started")

// Logger defines the logging interface used by the Service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config contains the service settings.
type Config struct {
	Link link.Config

	// StatsInterval is how often link counters are written. Zero disables
	// the reporter even when a CounterWriter is supplied.
	StatsInterval time.Duration
}

// ConfigFrom maps the application configuration onto a service Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Link: link.Config{
			Host:              cfg.Server.Host,
			Port:              cfg.Server.Port,
			MaxFrameSize:      cfg.Server.MaxFrameSize,
			MaxConnections:    cfg.Server.MaxConnections,
			HandshakeTimeout:  cfg.Server.HandshakeTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			HeartbeatInterval: cfg.Server.Heartbeat.Interval,
			HeartbeatTimeout:  cfg.Server.Heartbeat.Timeout,
		},
		StatsInterval: cfg.InfluxDB.StatsInterval,
	}
}

// Deps are the collaborators of a Service. Registry is required; every other
// field may be nil, which disables the feature it backs.
type Deps struct {
	Registry  *device.Registry
	Auth      link.Authenticator
	Alerts    *alert.Monitor
	Snapshots device.SnapshotRepository
	Broker    Broker
	Counters  CounterWriter
	Audit     *audit.Recorder
}

// Service runs the device link and everything fed by it.
type Service struct {
	cfg  Config
	deps Deps

	manager    *link.Manager
	dispatcher *command.Dispatcher
	bridge     *mqttBridge
	logger     Logger

	ready chan struct{} // closed once the listener is up

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a service. It does not open the listener.
func NewService(cfg Config, deps Deps) *Service {
	s := &Service{
		cfg:    cfg,
		deps:   deps,
		logger: noopLogger{},
		ready:  make(chan struct{}),
	}

	s.manager = link.NewManager(cfg.Link, deps.Auth, link.Handlers{
		OnTelemetry:    s.handleTelemetry,
		OnState:        s.handleState,
		OnConnected:    s.handleConnected,
		OnDisconnected: s.handleDisconnected,
	})
	s.dispatcher = command.NewDispatcher(s.manager, deps.Registry)

	if deps.Broker != nil {
		s.bridge = newMQTTBridge(deps.Broker, deps.Registry, s.dispatcher)
		s.bridge.audit = deps.Audit
		if deps.Alerts != nil {
			deps.Alerts.OnAlert(s.bridge.publishAlert)
		}
	}
	if deps.Alerts != nil && deps.Audit != nil {
		deps.Alerts.OnAlert(s.recordAlert)
	}
	return s
}

// SetLogger sets the logger on the service and the components it owns.
// Call before Start.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
	s.manager.SetLogger(logger)
	s.dispatcher.SetLogger(logger)
	if s.bridge != nil {
		s.bridge.logger = logger
	}
}

// Start restores persisted snapshots, opens the device listener and starts
// the background workers. A listener failure is returned and leaves the
// service stopped-safe.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return ErrAlreadyStarted
	}

	s.restore(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.manager.Start(runCtx); err != nil {
		cancel()
		return err
	}
	s.cancel = cancel
	s.started = true
	close(s.ready)

	if s.deps.Snapshots != nil {
		sub := s.deps.Registry.Subscribe()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.persistLoop(runCtx, sub)
		}()
	}

	if s.bridge != nil {
		if err := s.bridge.subscribeCommands(); err != nil {
			s.logger.Warn("MQTT command subscription failed", "error", err)
		}
		sub := s.deps.Registry.Subscribe()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.bridge.run(runCtx, sub)
		}()
	}

	if s.deps.Counters != nil && s.cfg.StatsInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(runCtx)
		}()
	}

	s.logger.Info("comm service started", "address", s.Addr())
	return nil
}

// Stop closes every device connection and waits for the workers. Devices
// are marked offline before the final snapshot is persisted. Stop is
// idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	s.manager.Stop()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.logger.Info("comm service stopped")
}

// Running reports whether the device listener is accepting connections.
func (s *Service) Running() bool {
	return s.manager.Running()
}

// Ready returns a channel that is closed once the device listener has been
// started. It stays open if Start fails or is never called.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// ConnectedCount returns the number of authenticated device connections.
func (s *Service) ConnectedCount() int {
	return len(s.manager.ConnectedDevices())
}

// ConnectedDevices returns the IDs of connected devices, sorted.
func (s *Service) ConnectedDevices() []string {
	return s.manager.ConnectedDevices()
}

// IsConnected reports whether a device has a live connection.
func (s *Service) IsConnected(deviceID string) bool {
	return s.manager.IsConnected(deviceID)
}

// Stats returns the link counters.
func (s *Service) Stats() link.Stats {
	return s.manager.Stats()
}

// Dispatcher returns the relay command dispatcher.
func (s *Service) Dispatcher() *command.Dispatcher {
	return s.dispatcher
}

// Registry returns the device registry.
func (s *Service) Registry() *device.Registry {
	return s.deps.Registry
}

// Addr returns the device listener address, or nil before Start.
func (s *Service) Addr() string {
	if addr := s.manager.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (s *Service) handleTelemetry(deviceID string, fields map[string]float64) {
	if err := s.deps.Registry.ApplyTelemetry(deviceID, fields); err != nil {
		s.logger.Warn("telemetry not applied", "device_id", deviceID, "error", err)
		return
	}
	if s.deps.Alerts != nil {
		s.deps.Alerts.Check(deviceID, fields)
	}
}

func (s *Service) handleState(deviceID string, relays map[string]bool) {
	if err := s.deps.Registry.ApplyRelayState(deviceID, relays); err != nil {
		s.logger.Warn("relay state not applied", "device_id", deviceID, "error", err)
	}
}

func (s *Service) handleConnected(deviceID string) {
	if err := s.deps.Registry.SetOnline(deviceID, true); err != nil {
		s.logger.Warn("marking device online failed", "device_id", deviceID, "error", err)
	}
	s.deps.Audit.Record(context.Background(), audit.ActionDeviceConnected, deviceID, audit.SourceLink, nil)
}

func (s *Service) handleDisconnected(deviceID string) {
	if err := s.deps.Registry.SetOnline(deviceID, false); err != nil {
		s.logger.Warn("marking device offline failed", "device_id", deviceID, "error", err)
	}
	s.deps.Audit.Record(context.Background(), audit.ActionDeviceDisconnected, deviceID, audit.SourceLink, nil)
}

func (s *Service) recordAlert(a alert.Alert) {
	s.deps.Audit.Record(context.Background(), audit.ActionAlert, a.DeviceID, audit.SourceLink, map[string]any{
		"type":      a.Type,
		"metric":    a.Metric,
		"value":     a.Value,
		"threshold": a.Threshold,
	})
}
