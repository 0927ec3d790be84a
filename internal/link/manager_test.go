package link

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

const testTimeout = 2 * time.Second

type telemetryEvent struct {
	deviceID string
	fields   map[string]float64
}

type stateEvent struct {
	deviceID string
	relays   map[string]bool
}

// recorder captures handler invocations on buffered channels.
type recorder struct {
	telemetry    chan telemetryEvent
	state        chan stateEvent
	connected    chan string
	disconnected chan string
}

func newRecorder() *recorder {
	return &recorder{
		telemetry:    make(chan telemetryEvent, 64),
		state:        make(chan stateEvent, 64),
		connected:    make(chan string, 64),
		disconnected: make(chan string, 64),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnTelemetry:    func(id string, f map[string]float64) { r.telemetry <- telemetryEvent{id, f} },
		OnState:        func(id string, s map[string]bool) { r.state <- stateEvent{id, s} },
		OnConnected:    func(id string) { r.connected <- id },
		OnDisconnected: func(id string) { r.disconnected <- id },
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(100 * time.Millisecond):
	}
}

// startManager starts a manager on a random loopback port.
func startManager(t *testing.T, cfg Config, auth Authenticator, h Handlers) *Manager {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0

	m := NewManager(cfg, auth, h)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

// testDevice is the client side of a device connection.
type testDevice struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, m *Manager) *testDevice {
	t.Helper()
	conn, err := net.DialTimeout("tcp", m.Addr().String(), testTimeout)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testDevice{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// handshake sends line and returns the auth_response status.
func (d *testDevice) handshake(line string) string {
	d.t.Helper()
	if _, err := d.conn.Write([]byte(line + "\r\n")); err != nil {
		d.t.Fatalf("write handshake: %v", err)
	}
	var resp authResponse
	if err := json.Unmarshal(d.readFrame(), &resp); err != nil {
		d.t.Fatalf("decode auth response: %v", err)
	}
	if resp.Type != TypeAuthResponse {
		d.t.Fatalf("response type = %q", resp.Type)
	}
	return resp.Status
}

func (d *testDevice) send(payload string) {
	d.t.Helper()
	if err := WriteFrame(d.conn, []byte(payload)); err != nil {
		d.t.Fatalf("write frame: %v", err)
	}
}

func (d *testDevice) readFrame() []byte {
	d.t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(testTimeout)) //nolint:errcheck // Test helper
	payload, err := ReadFrame(d.r, 1<<20)
	if err != nil {
		d.t.Fatalf("read frame: %v", err)
	}
	return payload
}

// expectClosed waits until the server closes the connection.
func (d *testDevice) expectClosed() {
	d.t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(testTimeout)) //nolint:errcheck // Test helper
	for {
		_, err := d.r.ReadByte()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			d.t.Fatal("connection was not closed by the server")
		}
		return
	}
}

func TestManager_HandshakeAndTelemetry(t *testing.T) {
	rec := newRecorder()
	m := startManager(t, Config{}, nil, rec.handlers())

	dev := dial(t, m)
	if status := dev.handshake(`{"type":"hello","deviceId":"esp01","token":"abc"}`); status != AuthStatusOK {
		t.Fatalf("status = %q, want ok", status)
	}
	if id := waitFor(t, rec.connected, "connected"); id != "esp01" {
		t.Errorf("connected id = %q", id)
	}

	dev.send(`{"type":"telemetry","deviceId":"esp01","payload":{"tacho":1500,"fuel":33}}`)
	ev := waitFor(t, rec.telemetry, "telemetry")
	if ev.deviceID != "esp01" || ev.fields["tacho"] != 1500 || ev.fields["fuel"] != 33 {
		t.Errorf("telemetry event = %+v", ev)
	}

	dev.send(`{"type":"state","payload":{"r1":1,"r2":0}}`)
	st := waitFor(t, rec.state, "state")
	if !st.relays["r1"] || st.relays["r2"] {
		t.Errorf("state event = %+v", st)
	}

	dev.send(`{"type":"heartbeat"}`)
	dev.send(`{"type":"something_else"}`)

	if !m.IsConnected("esp01") {
		t.Error("IsConnected(esp01) = false")
	}

	dev.conn.Close()
	if id := waitFor(t, rec.disconnected, "disconnected"); id != "esp01" {
		t.Errorf("disconnected id = %q", id)
	}
	if m.IsConnected("esp01") {
		t.Error("esp01 should be removed after disconnect")
	}
}

func TestManager_HandshakeDispatchedAsTelemetry(t *testing.T) {
	rec := newRecorder()
	m := startManager(t, Config{}, nil, rec.handlers())

	dev := dial(t, m)
	dev.handshake(`{"type":"telemetry","deviceId":"esp01","fuel":12}`)

	ev := waitFor(t, rec.telemetry, "telemetry from handshake")
	if ev.fields["fuel"] != 12 {
		t.Errorf("fields = %v, want fuel=12", ev.fields)
	}
}

func TestManager_AuthDenied(t *testing.T) {
	rec := newRecorder()
	auth := AuthFunc(func(_ context.Context, id, token string) (bool, error) {
		return token == "good", nil
	})
	m := startManager(t, Config{}, auth, rec.handlers())

	dev := dial(t, m)
	if status := dev.handshake(`{"deviceId":"esp01","token":"bad"}`); status != AuthStatusDenied {
		t.Fatalf("status = %q, want denied", status)
	}
	dev.expectClosed()

	expectNone(t, rec.connected, "connected event")
	if got := m.Stats().AuthFailures; got != 1 {
		t.Errorf("AuthFailures = %d, want 1", got)
	}
	if m.IsConnected("esp01") {
		t.Error("denied device must not be registered")
	}
}

func TestManager_AuthErrorDenies(t *testing.T) {
	auth := AuthFunc(func(context.Context, string, string) (bool, error) {
		return true, errors.New("store unavailable")
	})
	m := startManager(t, Config{}, auth, Handlers{})

	dev := dial(t, m)
	if status := dev.handshake(`{"deviceId":"esp01"}`); status != AuthStatusDenied {
		t.Fatalf("status = %q, want denied", status)
	}
}

func TestManager_DeviceIDFallback(t *testing.T) {
	rec := newRecorder()
	m := startManager(t, Config{}, nil, rec.handlers())

	dev := dial(t, m)
	dev.handshake(`{"type":"hello"}`)

	want := dev.conn.LocalAddr().String()
	if id := waitFor(t, rec.connected, "connected"); id != want {
		t.Errorf("device id = %q, want %q", id, want)
	}
}

func TestManager_InvalidHandshakeCloses(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", "hello there"},
		{"json array", `["deviceId","esp01"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := startManager(t, Config{}, nil, Handlers{})
			dev := dial(t, m)
			dev.conn.Write([]byte(tt.line + "\n")) //nolint:errcheck // Test
			dev.expectClosed()

			if got := m.Stats().ProtocolErrors; got != 1 {
				t.Errorf("ProtocolErrors = %d, want 1", got)
			}
		})
	}
}

func TestManager_MalformedJSONContinues(t *testing.T) {
	rec := newRecorder()
	m := startManager(t, Config{}, nil, rec.handlers())

	dev := dial(t, m)
	dev.handshake(`{"deviceId":"esp01"}`)
	waitFor(t, rec.connected, "connected")

	dev.send(`{"type":"telemetry",`)
	dev.send(`{"type":"telemetry","payload":{"speed":7}}`)

	ev := waitFor(t, rec.telemetry, "telemetry after malformed frame")
	if ev.fields["speed"] != 7 {
		t.Errorf("fields = %v", ev.fields)
	}
	if got := m.Stats().ParseErrors; got != 1 {
		t.Errorf("ParseErrors = %d, want 1", got)
	}
}

func TestManager_OversizedFrameCloses(t *testing.T) {
	rec := newRecorder()
	m := startManager(t, Config{MaxFrameSize: 1024}, nil, rec.handlers())

	dev := dial(t, m)
	dev.handshake(`{"deviceId":"esp01"}`)
	waitFor(t, rec.connected, "connected")

	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, 4096)
	dev.conn.Write(hdr) //nolint:errcheck // Test

	dev.expectClosed()
	waitFor(t, rec.disconnected, "disconnected")
	if got := m.Stats().ProtocolErrors; got != 1 {
		t.Errorf("ProtocolErrors = %d, want 1", got)
	}
}

func TestManager_AtMostOneConnectionPerDevice(t *testing.T) {
	rec := newRecorder()
	m := startManager(t, Config{}, nil, rec.handlers())

	first := dial(t, m)
	first.handshake(`{"deviceId":"esp01"}`)
	waitFor(t, rec.connected, "first connected")

	second := dial(t, m)
	second.handshake(`{"deviceId":"esp01"}`)
	waitFor(t, rec.connected, "second connected")

	first.expectClosed()
	expectNone(t, rec.disconnected, "disconnect for replaced connection")

	if got := m.ConnectedDevices(); len(got) != 1 || got[0] != "esp01" {
		t.Errorf("ConnectedDevices() = %v, want [esp01]", got)
	}
	if got := m.Stats().Replaced; got != 1 {
		t.Errorf("Replaced = %d, want 1", got)
	}

	// Commands reach the newer connection.
	if !m.SendToDevice("esp01", []byte(`{"type":"command"}`)) {
		t.Fatal("SendToDevice() = false")
	}
	if got := string(second.readFrame()); got != `{"type":"command"}` {
		t.Errorf("frame = %q", got)
	}
}

func TestManager_SendToOfflineDevice(t *testing.T) {
	m := startManager(t, Config{}, nil, Handlers{})

	if m.SendToDevice("ghost", []byte(`{"type":"command"}`)) {
		t.Error("SendToDevice() to unknown device = true")
	}
	if m.IsConnected("ghost") || len(m.ConnectedDevices()) != 0 {
		t.Error("failed send must not create a table entry")
	}

	// A manager that was never started behaves the same way.
	idle := NewManager(Config{}, nil, Handlers{})
	if idle.SendToDevice("ghost", []byte(`{}`)) {
		t.Error("SendToDevice() on idle manager = true")
	}
}

func TestManager_SendAfterDisconnect(t *testing.T) {
	rec := newRecorder()
	m := startManager(t, Config{}, nil, rec.handlers())

	dev := dial(t, m)
	dev.handshake(`{"deviceId":"esp01"}`)
	waitFor(t, rec.connected, "connected")

	dev.conn.Close()
	waitFor(t, rec.disconnected, "disconnected")

	if m.SendToDevice("esp01", []byte(`{"type":"command"}`)) {
		t.Error("SendToDevice() after disconnect = true")
	}
}

func TestManager_SendFailureDisconnectsAfterPendingState(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	h := rec.handlers()
	h.OnState = func(id string, s map[string]bool) {
		rec.state <- stateEvent{id, s}
		<-release
	}
	m := startManager(t, Config{}, nil, h)
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)

	dev := dial(t, m)
	dev.handshake(`{"deviceId":"esp01"}`)
	waitFor(t, rec.connected, "connected")

	// Hold the reader inside OnState while the send fails underneath it.
	dev.send(`{"type":"state","payload":{"r1":1}}`)
	waitFor(t, rec.state, "state")

	m.mu.Lock()
	c := m.byDevice["esp01"]
	m.mu.Unlock()
	c.conn.Close() //nolint:errcheck // Forces the next write to fail

	if m.SendToDevice("esp01", []byte(`{"type":"command"}`)) {
		t.Fatal("SendToDevice() on a broken socket = true")
	}
	if got := m.Stats().SendFailures; got != 1 {
		t.Errorf("SendFailures = %d, want 1", got)
	}
	expectNone(t, rec.disconnected, "disconnect before the pending state was delivered")

	unblock()
	if id := waitFor(t, rec.disconnected, "disconnected"); id != "esp01" {
		t.Errorf("disconnected id = %q", id)
	}
	expectNone(t, rec.disconnected, "second disconnect")
	if m.IsConnected("esp01") {
		t.Error("esp01 should be removed after a failed send")
	}
}

func TestManager_HeartbeatSweep(t *testing.T) {
	rec := newRecorder()
	m := startManager(t, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  80 * time.Millisecond,
	}, nil, rec.handlers())

	dev := dial(t, m)
	dev.handshake(`{"deviceId":"esp01"}`)
	waitFor(t, rec.connected, "connected")

	waitFor(t, rec.disconnected, "disconnect after heartbeat timeout")
	dev.expectClosed()
	if got := m.Stats().HeartbeatTimeouts; got == 0 {
		t.Error("HeartbeatTimeouts = 0")
	}
}

func TestManager_SweepOnceKeepsActiveConnections(t *testing.T) {
	rec := newRecorder()
	m := startManager(t, Config{HeartbeatInterval: time.Hour, HeartbeatTimeout: time.Hour}, nil, rec.handlers())

	dev := dial(t, m)
	dev.handshake(`{"deviceId":"esp01"}`)
	waitFor(t, rec.connected, "connected")

	if n := m.sweepOnce(); n != 0 {
		t.Errorf("sweepOnce() closed %d connections, want 0", n)
	}

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n := m.sweepOnce(); n != 1 {
		t.Errorf("sweepOnce() closed %d connections, want 1", n)
	}
	waitFor(t, rec.disconnected, "disconnected")
}

func TestManager_ConnectionLimit(t *testing.T) {
	rec := newRecorder()
	m := startManager(t, Config{MaxConnections: 1}, nil, rec.handlers())

	first := dial(t, m)
	first.handshake(`{"deviceId":"esp01"}`)
	waitFor(t, rec.connected, "connected")

	second := dial(t, m)
	second.expectClosed()

	if got := m.Stats().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
}

func TestManager_HandlerPanicRecovered(t *testing.T) {
	rec := newRecorder()
	h := rec.handlers()
	h.OnTelemetry = func(string, map[string]float64) { panic("boom") }
	m := startManager(t, Config{}, nil, h)

	dev := dial(t, m)
	dev.handshake(`{"deviceId":"esp01"}`)
	waitFor(t, rec.connected, "connected")

	dev.send(`{"type":"telemetry","payload":{"fuel":1}}`)
	dev.send(`{"type":"state","payload":{"r1":1}}`)
	waitFor(t, rec.state, "state after panicking handler")
}

func TestManager_StartStop(t *testing.T) {
	t.Run("stop before start", func(t *testing.T) {
		m := NewManager(Config{Host: "127.0.0.1"}, nil, Handlers{})
		m.Stop()
		m.Stop()
		if err := m.Start(context.Background()); !errors.Is(err, ErrStopped) {
			t.Errorf("Start() after Stop = %v, want ErrStopped", err)
		}
	})

	t.Run("start twice", func(t *testing.T) {
		m := startManager(t, Config{}, nil, Handlers{})
		if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
			t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
		}
	})

	t.Run("bind failure", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		defer ln.Close()
		port := ln.Addr().(*net.TCPAddr).Port

		m := NewManager(Config{Host: "127.0.0.1", Port: port}, nil, Handlers{})
		if err := m.Start(context.Background()); err == nil {
			t.Fatal("Start() on a bound port should fail")
		}
		if m.Running() {
			t.Error("Running() = true after bind failure")
		}
		m.Stop()
		m.Stop()
	})

	t.Run("stop closes handshaking sockets", func(t *testing.T) {
		m := startManager(t, Config{}, nil, Handlers{})
		dev := dial(t, m)

		// Wait until the socket is tracked.
		deadline := time.Now().Add(testTimeout)
		for m.Stats().ActiveConnections == 0 {
			if time.Now().After(deadline) {
				t.Fatal("connection never tracked")
			}
			time.Sleep(5 * time.Millisecond)
		}

		done := make(chan struct{})
		go func() {
			m.Stop()
			close(done)
		}()
		waitFor(t, done, "Stop to return")
		dev.expectClosed()

		if m.Running() {
			t.Error("Running() = true after Stop")
		}
		if m.SendToDevice("esp01", []byte(`{}`)) {
			t.Error("SendToDevice() after Stop = true")
		}
	})

	t.Run("context cancel shuts down", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		m := NewManager(Config{Host: "127.0.0.1"}, nil, Handlers{})
		if err := m.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		addr := m.Addr().String()
		cancel()
		m.Stop()

		if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
			t.Error("listener still accepting after cancel")
		}
	})
}

func TestManager_ConcurrentDevices(t *testing.T) {
	rec := newRecorder()
	m := startManager(t, Config{}, nil, rec.handlers())

	const devices = 5
	for i := range devices {
		dev := dial(t, m)
		dev.handshake(`{"deviceId":"esp` + strconv.Itoa(i) + `"}`)
	}
	for range devices {
		waitFor(t, rec.connected, "connected")
	}

	if got := len(m.ConnectedDevices()); got != devices {
		t.Errorf("ConnectedDevices() = %d, want %d", got, devices)
	}
	s := m.Stats()
	if s.Accepted != devices || s.ConnectedDevices != devices {
		t.Errorf("Stats() = %+v", s)
	}
}
