package comm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/v900-core/internal/alert"
	"github.com/nerrad567/v900-core/internal/device"
	"github.com/nerrad567/v900-core/internal/infrastructure/config"
	"github.com/nerrad567/v900-core/internal/link"
)

const testTimeout = 2 * time.Second

// memSnapshots is an in-memory device.SnapshotRepository.
type memSnapshots struct {
	mu     sync.Mutex
	states map[string]device.DeviceState
	saves  int
}

func newMemSnapshots(states ...device.DeviceState) *memSnapshots {
	m := &memSnapshots{states: make(map[string]device.DeviceState)}
	for _, st := range states {
		m.states[st.DeviceID] = st
	}
	return m
}

func (m *memSnapshots) Save(_ context.Context, st device.DeviceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.DeviceID] = st.Clone()
	m.saves++
	return nil
}

func (m *memSnapshots) GetByID(_ context.Context, id string) (device.DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return device.DeviceState{}, device.ErrSnapshotNotFound
	}
	return st, nil
}

func (m *memSnapshots) List(_ context.Context) ([]device.DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]device.DeviceState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

type failingSnapshots struct{ *memSnapshots }

func (*failingSnapshots) List(context.Context) ([]device.DeviceState, error) {
	return nil, errors.New("disk on fire")
}

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testServiceConfig() Config {
	return Config{Link: link.Config{Host: "127.0.0.1", Port: 0}}
}

func startService(t *testing.T, cfg Config, deps Deps) *Service {
	t.Helper()
	if deps.Registry == nil {
		deps.Registry = device.NewRegistry()
	}
	s := NewService(cfg, deps)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

// deviceConn is the device side of a link connection.
type deviceConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func connectDevice(t *testing.T, s *Service, deviceID string) *deviceConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr(), testTimeout)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	d := &deviceConn{t: t, conn: conn, r: bufio.NewReader(conn)}
	if _, err := conn.Write([]byte(`{"type":"hello","deviceId":"` + deviceID + `"}` + "\n")); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(d.readFrame(), &resp); err != nil || resp.Status != link.AuthStatusOK {
		t.Fatalf("handshake response = %+v, %v", resp, err)
	}
	return d
}

func (d *deviceConn) send(payload string) {
	d.t.Helper()
	if err := link.WriteFrame(d.conn, []byte(payload)); err != nil {
		d.t.Fatalf("write frame: %v", err)
	}
}

func (d *deviceConn) readFrame() []byte {
	d.t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(testTimeout)) //nolint:errcheck // Test helper
	payload, err := link.ReadFrame(d.r, 1<<20)
	if err != nil {
		d.t.Fatalf("read frame: %v", err)
	}
	return payload
}

func TestService_TelemetryAndStateReachRegistry(t *testing.T) {
	reg := device.NewRegistry()
	s := startService(t, testServiceConfig(), Deps{Registry: reg})

	dev := connectDevice(t, s, "esp01")
	eventually(t, "device online", func() bool {
		st, ok := reg.Get("esp01")
		return ok && st.Online
	})
	if !s.IsConnected("esp01") || s.ConnectedCount() != 1 {
		t.Errorf("connected = %v / %d", s.IsConnected("esp01"), s.ConnectedCount())
	}

	dev.send(`{"type":"telemetry","deviceId":"esp01","fuel":42,"speed":88}`)
	dev.send(`{"type":"state","deviceId":"esp01","r1":true,"r2":false}`)

	eventually(t, "telemetry and relays", func() bool {
		st, _ := reg.Get("esp01")
		return st.Telemetry["fuel"] == 42 && st.Telemetry["speed"] == 88 && st.Relays["r1"] && !st.Relays["r2"]
	})

	dev.conn.Close()
	eventually(t, "device offline", func() bool {
		st, _ := reg.Get("esp01")
		return !st.Online
	})
}

func TestService_DispatcherReachesDevice(t *testing.T) {
	reg := device.NewRegistry()
	s := startService(t, testServiceConfig(), Deps{Registry: reg})
	dev := connectDevice(t, s, "esp01")
	eventually(t, "device online", func() bool {
		st, ok := reg.Get("esp01")
		return ok && st.Online
	})

	if !s.Dispatcher().ToggleRelay("esp01", "r1") {
		t.Fatal("ToggleRelay() = false for a connected device")
	}

	var cmd struct {
		Type     string `json:"type"`
		DeviceID string `json:"deviceId"`
		Command  string `json:"command"`
		Payload  struct {
			Relay string `json:"relay"`
			Value int    `json:"value"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(dev.readFrame(), &cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if cmd.Type != "command" || cmd.DeviceID != "esp01" || cmd.Payload.Relay != "r1" || cmd.Payload.Value != 1 {
		t.Errorf("command = %+v", cmd)
	}
	if !reg.RelayState("esp01", "r1") {
		t.Error("optimistic relay state not recorded")
	}
}

func TestService_TelemetryRaisesAlert(t *testing.T) {
	monitor := alert.NewMonitor(config.AlertsConfig{
		Enabled:               true,
		FuelLowPercent:        15,
		FreshWaterLowPercent:  10,
		BlackWaterHighPercent: 90,
		Cooldown:              time.Minute,
	})
	alerts := make(chan alert.Alert, 4)
	monitor.OnAlert(func(a alert.Alert) { alerts <- a })

	s := startService(t, testServiceConfig(), Deps{Alerts: monitor})
	dev := connectDevice(t, s, "esp01")
	dev.send(`{"type":"telemetry","deviceId":"esp01","fuel":3}`)

	select {
	case a := <-alerts:
		if a.DeviceID != "esp01" || a.Metric != device.TelemetryFuel {
			t.Errorf("alert = %+v", a)
		}
	case <-time.After(testTimeout):
		t.Fatal("no alert raised")
	}
}

func TestService_RestoreAndPersist(t *testing.T) {
	repo := newMemSnapshots(device.DeviceState{
		DeviceID:       "esp02",
		Telemetry:      map[string]float64{"fuel": 70},
		Relays:         map[string]bool{"r1": true},
		LastSeenMillis: 1000,
	})
	reg := device.NewRegistry()
	s := startService(t, testServiceConfig(), Deps{Registry: reg, Snapshots: repo})

	st, ok := reg.Get("esp02")
	if !ok || st.Online || st.Telemetry["fuel"] != 70 || !st.Relays["r1"] {
		t.Fatalf("restored state = %+v, %v", st, ok)
	}

	dev := connectDevice(t, s, "esp01")
	dev.send(`{"type":"telemetry","deviceId":"esp01","fuel":55}`)
	eventually(t, "snapshot saved", func() bool {
		saved, err := repo.GetByID(context.Background(), "esp01")
		return err == nil && saved.Telemetry["fuel"] == 55
	})

	s.Stop()
	saved, err := repo.GetByID(context.Background(), "esp01")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if saved.Online {
		t.Error("final snapshot should record the device offline")
	}
}

func TestService_RestoreFailureIsNotFatal(t *testing.T) {
	s := startService(t, testServiceConfig(), Deps{Snapshots: &failingSnapshots{newMemSnapshots()}})
	if !s.Running() {
		t.Error("service should run without restored snapshots")
	}
	select {
	case <-s.Ready():
	default:
		t.Error("Ready() not closed after Start")
	}
}

func TestService_StartStop(t *testing.T) {
	t.Run("start twice", func(t *testing.T) {
		s := startService(t, testServiceConfig(), Deps{})
		if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
			t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
		}
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		s := startService(t, testServiceConfig(), Deps{})
		s.Stop()
		s.Stop()
		if s.Running() {
			t.Error("Running() = true after Stop")
		}
		if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
			t.Errorf("Start() after Stop error = %v", err)
		}
	})

	t.Run("stop without start", func(t *testing.T) {
		s := NewService(testServiceConfig(), Deps{Registry: device.NewRegistry()})
		s.Stop()
		if s.Addr() != "" {
			t.Errorf("Addr() = %q before Start", s.Addr())
		}
	})

	t.Run("bind failure", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		defer ln.Close()

		cfg := testServiceConfig()
		cfg.Link.Port = ln.Addr().(*net.TCPAddr).Port
		s := NewService(cfg, Deps{Registry: device.NewRegistry()})
		if err := s.Start(context.Background()); err == nil {
			t.Fatal("Start() on a bound port should fail")
		}
		select {
		case <-s.Ready():
			t.Error("Ready() closed after a failed Start")
		default:
		}
		s.Stop()
	})
}

func TestConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = 4000
	cfg.Server.Heartbeat.Timeout = 30 * time.Second

	got := ConfigFrom(cfg)
	if got.Link.Port != 4000 || got.Link.HeartbeatTimeout != 30*time.Second {
		t.Errorf("ConfigFrom() = %+v", got.Link)
	}
	if got.Link.MaxFrameSize != cfg.Server.MaxFrameSize || got.StatsInterval != cfg.InfluxDB.StatsInterval {
		t.Errorf("ConfigFrom() = %+v", got)
	}
}
