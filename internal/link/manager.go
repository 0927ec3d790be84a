package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Defaults applied by NewManager to zero Config fields.
const (
	defaultMaxFrameSize      = 1 << 20
	defaultMaxConnections    = 64
	defaultHandshakeTimeout  = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatTimeout  = 90 * time.Second

	// acceptRetryDelay is the pause after a non-fatal Accept error.
	acceptRetryDelay = 50 * time.Millisecond
)

// Config contains the connection manager settings.
type Config struct {
	Host string
	Port int

	MaxFrameSize     int
	MaxConnections   int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Logger defines the logging interface used by the Manager.
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

// Authenticator decides whether a device may connect.
type Authenticator interface {
	Authenticate(ctx context.Context, deviceID, token string) (bool, error)
}

// AuthFunc adapts a function to the Authenticator interface.
type AuthFunc func(ctx context.Context, deviceID, token string) (bool, error)

// Authenticate calls f.
func (f AuthFunc) Authenticate(ctx context.Context, deviceID, token string) (bool, error) {
	return f(ctx, deviceID, token)
}

// allowAll accepts every device. Used when no Authenticator is supplied.
var allowAll = AuthFunc(func(context.Context, string, string) (bool, error) { return true, nil })

// Handlers receive events from device connections. Any may be nil.
//
// Callbacks run on the connection's reader goroutine, so messages from one
// device are delivered in order. No manager lock is held while they run.
type Handlers struct {
	OnTelemetry    func(deviceID string, fields map[string]float64)
	OnState        func(deviceID string, relays map[string]bool)
	OnConnected    func(deviceID string)
	OnDisconnected func(deviceID string)
}

// Manager accepts device connections, authenticates them and keeps the
// table of live connections keyed by device ID.
//
// There is at most one live connection per device: a new connection for a
// device ID replaces (and closes) the previous one.
type Manager struct {
	cfg      Config
	auth     Authenticator
	handlers Handlers
	logger   Logger
	now      func() time.Time

	mu       sync.Mutex
	listener net.Listener
	active   map[*connection]struct{} // every accepted socket, including handshaking ones
	byDevice map[string]*connection   // registered connections
	started  bool
	stopping bool
	stopped  bool
	cancel   context.CancelFunc

	group  *errgroup.Group // one task per connection, bounded by MaxConnections
	wg     sync.WaitGroup  // accept loop, sweep, context watcher
	nextID uint64

	stats counters
}

// NewManager creates a manager. A nil auth accepts every device.
func NewManager(cfg Config, auth Authenticator, handlers Handlers) *Manager {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if auth == nil {
		auth = allowAll
	}

	return &Manager{
		cfg:      cfg,
		auth:     auth,
		handlers: handlers,
		logger:   noopLogger{},
		now:      time.Now,
		active:   make(map[*connection]struct{}),
		byDevice: make(map[string]*connection),
	}
}

// SetLogger sets the logger. Call before Start.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start binds the listener and begins accepting connections. A bind
// failure is returned to the caller and leaves the manager stopped-safe.
// Cancelling ctx shuts the manager down; Stop must still be called to
// wait for its goroutines.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.stopped || m.stopping:
		return ErrStopped
	case m.started:
		return ErrAlreadyStarted
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	group := new(errgroup.Group)
	group.SetLimit(m.cfg.MaxConnections)

	m.listener = ln
	m.cancel = cancel
	m.group = group
	m.started = true

	m.wg.Add(3)
	go m.acceptLoop(runCtx, ln)
	go m.sweepLoop(runCtx)
	go func() {
		defer m.wg.Done()
		<-runCtx.Done()
		m.shutdown()
	}()

	m.logger.Info("device listener started", "address", ln.Addr().String())
	return nil
}

// Stop shuts the manager down and waits for every connection task to
// finish. It is idempotent and safe to call when Start failed or was never
// called.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	group := m.group
	m.mu.Unlock()

	m.shutdown()

	// The accept loop must exit before the group is waited on, so no new
	// task can be added after Wait begins.
	m.wg.Wait()
	if group != nil {
		group.Wait() //nolint:errcheck // Connection tasks never return errors
	}

	m.mu.Lock()
	clear(m.active)
	clear(m.byDevice)
	m.mu.Unlock()

	m.logger.Info("device listener stopped")
}

// shutdown cancels the run context, closes the listener and every accepted
// socket. It does not wait.
func (m *Manager) shutdown() {
	m.mu.Lock()
	m.stopping = true
	ln := m.listener
	cancel := m.cancel
	conns := slices.Collect(maps.Keys(m.active))
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close() //nolint:errcheck // Closing unblocks Accept; error is irrelevant
	}
	for _, c := range conns {
		c.close()
	}
}

// Addr returns the bound listener address, or nil before Start.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Running reports whether the manager is accepting connections.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && !m.stopping
}

// IsConnected reports whether a device has a live connection.
func (m *Manager) IsConnected(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byDevice[deviceID]
	return ok
}

// ConnectedDevices returns the IDs of devices with a live connection, sorted.
func (m *Manager) ConnectedDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.byDevice))
}

// Stats returns a copy of the manager's counters.
func (m *Manager) Stats() Stats {
	s := m.stats.snapshot()
	m.mu.Lock()
	s.ActiveConnections = len(m.active)
	s.ConnectedDevices = len(m.byDevice)
	m.mu.Unlock()
	return s
}

// SendToDevice writes payload as one frame to the device's live
// connection. It returns false when the device is not connected or the
// write fails. A failed write closes the socket; the connection's reader
// goroutine then unregisters it and fires OnDisconnected after any message
// it is still delivering.
func (m *Manager) SendToDevice(deviceID string, payload []byte) bool {
	m.mu.Lock()
	c, ok := m.byDevice[deviceID]
	stopping := m.stopping
	m.mu.Unlock()

	if !ok || stopping {
		return false
	}

	if err := c.writeFrame(payload, m.cfg.WriteTimeout); err != nil {
		m.stats.sendFailures.Add(1)
		m.logger.Warn("send to device failed, dropping connection",
			"device_id", deviceID,
			"error", err,
		)
		c.close()
		return false
	}

	m.stats.framesTx.Add(1)
	return true
}

func (m *Manager) acceptLoop(ctx context.Context, ln net.Listener) {
	defer m.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		c, ok := m.track(nc)
		if !ok {
			nc.Close() //nolint:errcheck // Shutting down
			return
		}

		if !m.group.TryGo(func() error {
			m.serve(ctx, c)
			return nil
		}) {
			m.stats.rejected.Add(1)
			m.logger.Warn("connection limit reached, rejecting",
				"remote", c.remote,
				"limit", m.cfg.MaxConnections,
			)
			c.close()
			m.unregister(c)
			continue
		}
		m.stats.accepted.Add(1)
	}
}

// track adds a freshly accepted socket to the active set so Stop can close
// it. It returns false once shutdown has begun.
func (m *Manager) track(nc net.Conn) (*connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopping {
		return nil, false
	}
	m.nextID++
	c := newConnection(m.nextID, nc, m.now())
	m.active[c] = struct{}{}
	return c, true
}

// register makes c the live connection for deviceID, closing any previous
// one. It returns false once shutdown has begun.
func (m *Manager) register(deviceID string, c *connection) bool {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return false
	}
	old := m.byDevice[deviceID]
	c.deviceID = deviceID
	m.byDevice[deviceID] = c
	m.mu.Unlock()

	if old != nil && old != c {
		m.stats.replaced.Add(1)
		m.logger.Info("replacing existing connection",
			"device_id", deviceID,
			"old_remote", old.remote,
			"new_remote", c.remote,
		)
		old.close()
	}
	return true
}

// unregister removes c from the active set and, if it is still the table
// entry for its device, from the device table. It reports whether the
// table entry was removed; only that caller fires the disconnect callback.
func (m *Manager) unregister(c *connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, c)
	if c.deviceID == "" {
		return false
	}
	if cur, ok := m.byDevice[c.deviceID]; ok && cur == c {
		delete(m.byDevice, c.deviceID)
		return true
	}
	return false
}

// serve runs one connection from handshake to close.
func (m *Manager) serve(ctx context.Context, c *connection) {
	log := m.logger
	defer func() {
		c.close()
		if m.unregister(c) {
			m.notifyDisconnected(c.deviceID)
		}
	}()

	hs, ok := m.handshake(ctx, c)
	if !ok {
		return
	}
	deviceID := hs.DeviceID

	if !m.register(deviceID, c) {
		return
	}
	if !c.transition(StateStreaming) {
		log.Warn("invalid state transition", "device_id", deviceID, "from", c.State().String(), "to", StateStreaming.String())
		return
	}

	log.Info("device connected", "device_id", deviceID, "remote", c.remote)
	m.notifyConnected(deviceID)

	// The handshake may itself carry the first telemetry or state update.
	if hs.Type == TypeTelemetry || hs.Type == TypeState {
		m.dispatch(deviceID, hs)
	}

	m.readLoop(deviceID, c)
}

// handshake reads and authenticates the first line. On success the
// returned message has its DeviceID resolved.
func (m *Manager) handshake(ctx context.Context, c *connection) (Message, bool) {
	log := m.logger
	if !c.transition(StateHandshaking) {
		return Message{}, false
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout)); err != nil {
		log.Debug("set handshake deadline failed", "remote", c.remote, "error", err)
		return Message{}, false
	}

	line, err := ReadHandshakeLine(c.reader, m.cfg.MaxFrameSize)
	if err != nil {
		if errors.Is(err, ErrHandshakeTooLong) {
			m.stats.protocolErrors.Add(1)
			log.Warn("handshake too long, closing", "remote", c.remote, "error", err)
		} else {
			log.Debug("handshake read failed", "remote", c.remote, "error", err)
		}
		return Message{}, false
	}

	hs, err := DecodeMessage(line)
	if err != nil {
		m.stats.protocolErrors.Add(1)
		log.Warn("invalid handshake, closing", "remote", c.remote, "error", fmt.Errorf("%w: %w", ErrInvalidHandshake, err))
		return Message{}, false
	}
	if hs.DeviceID == "" {
		hs.DeviceID = c.remote
	}

	allowed, err := m.auth.Authenticate(ctx, hs.DeviceID, hs.Token)
	if err != nil {
		log.Error("authentication error", "device_id", hs.DeviceID, "error", err)
		allowed = false
	}

	if !allowed {
		m.stats.authFailures.Add(1)
		log.Warn("device authentication denied", "device_id", hs.DeviceID, "remote", c.remote)
		_ = c.writeFrame(encodeAuthResponse(false), m.cfg.WriteTimeout) //nolint:errcheck // Closing regardless
		return Message{}, false
	}

	if err := c.writeFrame(encodeAuthResponse(true), m.cfg.WriteTimeout); err != nil {
		log.Debug("auth response write failed", "device_id", hs.DeviceID, "error", err)
		return Message{}, false
	}
	m.stats.framesTx.Add(1)

	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return Message{}, false
	}
	c.touch(m.now())

	if !c.transition(StateAuthenticated) {
		log.Warn("invalid state transition", "device_id", hs.DeviceID, "from", c.State().String(), "to", StateAuthenticated.String())
		return Message{}, false
	}
	return hs, true
}

// readLoop reads frames until the stream fails or the connection is closed.
func (m *Manager) readLoop(deviceID string, c *connection) {
	log := m.logger
	for {
		payload, err := ReadFrame(c.reader, m.cfg.MaxFrameSize)
		if err != nil {
			switch {
			case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrInvalidFrameLength):
				m.stats.protocolErrors.Add(1)
				log.Warn("protocol error, closing connection", "device_id", deviceID, "error", err)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), c.State() == StateClosed:
				log.Debug("connection closed", "device_id", deviceID)
			default:
				log.Info("connection read failed", "device_id", deviceID, "error", err)
			}
			return
		}

		c.touch(m.now())
		m.stats.framesRx.Add(1)

		msg, err := DecodeMessage(payload)
		if err != nil {
			m.stats.parseErrors.Add(1)
			log.Warn("malformed message ignored", "device_id", deviceID, "error", err)
			continue
		}
		m.dispatch(deviceID, msg)
	}
}

// dispatch routes one message by type.
func (m *Manager) dispatch(deviceID string, msg Message) {
	switch msg.Type {
	case TypeTelemetry:
		if fn := m.handlers.OnTelemetry; fn != nil {
			m.safeCall("telemetry", deviceID, func() { fn(deviceID, msg.Telemetry()) })
		}
	case TypeState:
		if fn := m.handlers.OnState; fn != nil {
			m.safeCall("state", deviceID, func() { fn(deviceID, msg.RelayStates()) })
		}
	case TypeAck, TypeHeartbeat:
		m.logger.Debug("device ack", "device_id", deviceID, "type", msg.Type)
	default:
		m.logger.Info("unknown message type ignored", "device_id", deviceID, "type", msg.Type)
	}
}

func (m *Manager) notifyConnected(deviceID string) {
	if fn := m.handlers.OnConnected; fn != nil {
		m.safeCall("connected", deviceID, func() { fn(deviceID) })
	}
}

func (m *Manager) notifyDisconnected(deviceID string) {
	m.logger.Info("device disconnected", "device_id", deviceID)
	if fn := m.handlers.OnDisconnected; fn != nil {
		m.safeCall("disconnected", deviceID, func() { fn(deviceID) })
	}
}

// safeCall runs a handler, recovering and logging a panic so one faulty
// callback cannot take down the connection task.
func (m *Manager) safeCall(event, deviceID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("handler panic recovered", "event", event, "device_id", deviceID, "panic", r)
		}
	}()
	fn()
}
