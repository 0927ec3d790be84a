package command

import (
	"encoding/json"
	"errors"

	"github.com/nerrad567/v900-core/internal/device"
)

// ErrInvalidRelayValue is reported when a relay value is not 0 or 1.
var ErrInvalidRelayValue = errors.New("command: relay value must be 0 or 1")

const (
	envelopeType = "command"
	commandRelay = "relay"
)

// Envelope is the server → device command message.
type Envelope struct {
	Type     string       `json:"type"`
	DeviceID string       `json:"deviceId"`
	Command  string       `json:"command"`
	Payload  RelayPayload `json:"payload"`
}

// RelayPayload names the relay and its target value (0 off, 1 on).
type RelayPayload struct {
	Relay string `json:"relay"`
	Value int    `json:"value"`
}

// NewRelayEnvelope builds a relay command envelope.
func NewRelayEnvelope(deviceID, relay string, value int) Envelope {
	return Envelope{
		Type:     envelopeType,
		DeviceID: deviceID,
		Command:  commandRelay,
		Payload:  RelayPayload{Relay: relay, Value: value},
	}
}

// Sender delivers a framed payload to a connected device.
// It returns false when the device is offline or the write fails.
type Sender interface {
	SendToDevice(deviceID string, payload []byte) bool
}

// RelayStore is the subset of the device registry the dispatcher needs.
type RelayStore interface {
	RelayState(deviceID, relay string) bool
	ApplyRelayIntent(deviceID, relay string, on bool) error
}

// Logger defines the logging interface used by the Dispatcher.
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

// Dispatcher sends relay commands to devices.
type Dispatcher struct {
	sender Sender
	store  RelayStore
	logger Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(sender Sender, store RelayStore) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		store:  store,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SendRelayCommand sends a relay command and returns the sender's result
// unchanged. A value other than 0 or 1 is not sent and returns false.
func (d *Dispatcher) SendRelayCommand(deviceID, relay string, value int) bool {
	if value != 0 && value != 1 {
		d.logger.Warn("relay command rejected",
			"device_id", deviceID,
			"relay", relay,
			"value", value,
			"error", ErrInvalidRelayValue,
		)
		return false
	}
	if deviceID == "" || relay == "" {
		return false
	}

	payload, err := json.Marshal(NewRelayEnvelope(deviceID, relay, value))
	if err != nil {
		d.logger.Error("encoding relay command failed", "device_id", deviceID, "error", err)
		return false
	}

	ok := d.sender.SendToDevice(deviceID, payload)
	if ok {
		d.logger.Debug("relay command sent", "device_id", deviceID, "relay", relay, "value", value)
	} else {
		d.logger.Info("relay command not delivered, device offline", "device_id", deviceID, "relay", relay)
	}
	return ok
}

// ToggleRelay inverts the relay's last known state (off if never seen) and
// sends it. The inverted value is recorded in the registry whether or not
// the send succeeded, provided the registry already knows the device.
func (d *Dispatcher) ToggleRelay(deviceID, relay string) bool {
	return d.SetRelay(deviceID, relay, !d.store.RelayState(deviceID, relay))
}

// SetRelay sends an explicit on/off command with the same optimistic
// registry update as ToggleRelay.
func (d *Dispatcher) SetRelay(deviceID, relay string, on bool) bool {
	value := 0
	if on {
		value = 1
	}
	ok := d.SendRelayCommand(deviceID, relay, value)

	err := d.store.ApplyRelayIntent(deviceID, relay, on)
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		d.logger.Debug("relay intent not recorded, device unknown", "device_id", deviceID, "relay", relay)
	case err != nil:
		d.logger.Warn("optimistic relay update failed", "device_id", deviceID, "relay", relay, "error", err)
	}
	return ok
}
