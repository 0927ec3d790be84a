// Package alert raises tank level alerts from device telemetry.
//
// Rules are checked in a fixed order (fuel, fresh water, black water) and
// the first breached rule produces the alert. After any alert, further
// alerts from every device are suppressed until the cooldown has passed.
package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/v900-core/internal/device"
	"github.com/nerrad567/v900-core/internal/infrastructure/config"
)

// TypeTankLevel is the alert type for tank thresholds.
const TypeTankLevel = "tank_level"

// Alert is one raised alert.
type Alert struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"device_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Rule is a single threshold check on one telemetry metric.
type Rule struct {
	Metric    string
	Threshold float64
	Below     bool   // breach when value < Threshold; otherwise value > Threshold
	Format    string // message format, receives the value
}

func (r Rule) breached(v float64) bool {
	if r.Below {
		return v < r.Threshold
	}
	return v > r.Threshold
}

// DefaultRules builds the tank rules from configuration, in evaluation order.
func DefaultRules(cfg config.AlertsConfig) []Rule {
	return []Rule{
		{Metric: device.TelemetryFuel, Threshold: cfg.FuelLowPercent, Below: true, Format: "Fuel level critically low: %.0f%%"},
		{Metric: device.TelemetryFreshWater, Threshold: cfg.FreshWaterLowPercent, Below: true, Format: "Fresh water low: %.0f%%"},
		{Metric: device.TelemetryBlackWater, Threshold: cfg.BlackWaterHighPercent, Below: false, Format: "Black water tank full: %.0f%%"},
	}
}

// Logger defines the logging interface used by the Monitor.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Monitor evaluates telemetry against the rules.
type Monitor struct {
	enabled  bool
	rules    []Rule
	cooldown time.Duration

	mu        sync.Mutex
	lastAlert time.Time
	listeners []func(Alert)

	now    func() time.Time
	logger Logger
}

// NewMonitor creates a monitor from configuration.
func NewMonitor(cfg config.AlertsConfig) *Monitor {
	return &Monitor{
		enabled:  cfg.Enabled,
		rules:    DefaultRules(cfg),
		cooldown: cfg.Cooldown,
		now:      time.Now,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	m.logger = logger
}

// OnAlert registers a listener called for every raised alert.
// Register listeners before telemetry starts flowing.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Check evaluates one telemetry update. Only metrics present in fields are
// considered. It returns the raised alert, if any.
func (m *Monitor) Check(deviceID string, fields map[string]float64) (Alert, bool) {
	if !m.enabled || len(fields) == 0 {
		return Alert{}, false
	}

	now := m.now()

	m.mu.Lock()
	if !m.lastAlert.IsZero() && now.Sub(m.lastAlert) < m.cooldown {
		m.mu.Unlock()
		return Alert{}, false
	}

	a, ok := m.evaluate(deviceID, fields, now)
	if !ok {
		m.mu.Unlock()
		return Alert{}, false
	}
	m.lastAlert = now
	listeners := append(([]func(Alert))(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Warn("alert triggered",
		"device_id", a.DeviceID,
		"metric", a.Metric,
		"value", a.Value,
		"message", a.Message,
	)
	for _, fn := range listeners {
		fn(a)
	}
	return a, true
}

func (m *Monitor) evaluate(deviceID string, fields map[string]float64, now time.Time) (Alert, bool) {
	for _, r := range m.rules {
		v, ok := fields[r.Metric]
		if !ok || !r.breached(v) {
			continue
		}
		return Alert{
			Type:      TypeTankLevel,
			DeviceID:  deviceID,
			Metric:    r.Metric,
			Value:     v,
			Threshold: r.Threshold,
			Message:   fmt.Sprintf(r.Format, v),
			Timestamp: now.UTC(),
		}, true
	}
	return Alert{}, false
}
