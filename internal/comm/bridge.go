package comm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/v900-core/internal/alert"
	"github.com/nerrad567/v900-core/internal/audit"
	"github.com/nerrad567/v900-core/internal/command"
	"github.com/nerrad567/v900-core/internal/device"
	"github.com/nerrad567/v900-core/internal/infrastructure/mqtt"
)

// Presence payloads published on the retained presence topic.
const (
	presenceOnline  = "online"
	presenceOffline = "offline"
)

// commandQoS is the QoS for the command subscription.
const commandQoS = 1

// ErrInvalidCommand is returned for an MQTT command that cannot be executed.
var ErrInvalidCommand = errors.New("comm: invalid relay command")

// Broker is the MQTT surface used by the bridge. *mqtt.Client implements it.
type Broker interface {
	PublishRetained(topic string, payload []byte) error
	PublishEvent(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// relayCommand is the payload accepted on v900/device/{id}/command.
// Either Value (0 or 1) or Toggle must be set.
type relayCommand struct {
	Relay  string `json:"relay"`
	Value  *int   `json:"value,omitempty"`
	Toggle bool   `json:"toggle,omitempty"`
}

// mqttBridge mirrors registry snapshots onto the broker and feeds relay
// commands from the broker into the dispatcher.
type mqttBridge struct {
	broker     Broker
	registry   *device.Registry
	dispatcher *command.Dispatcher
	topics     mqtt.Topics
	logger     Logger
	audit      *audit.Recorder

	// Only touched by run.
	published uint64
	online    map[string]bool
}

func newMQTTBridge(broker Broker, registry *device.Registry, dispatcher *command.Dispatcher) *mqttBridge {
	return &mqttBridge{
		broker:     broker,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     noopLogger{},
		online:     make(map[string]bool),
	}
}

func (b *mqttBridge) subscribeCommands() error {
	return b.broker.Subscribe(b.topics.AllDeviceCommands(), commandQoS, b.handleCommand)
}

// run publishes each device that changed since the previous snapshot.
func (b *mqttBridge) run(ctx context.Context, sub *device.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-sub.C():
			b.publishSnapshot(snap)
		}
	}
}

func (b *mqttBridge) publishSnapshot(snap *device.Snapshot) {
	for _, st := range snap.ChangedSince(b.published) {
		b.publishState(st)
	}
	b.published = snap.Revision()
}

func (b *mqttBridge) publishState(st device.DeviceState) {
	payload, err := json.Marshal(st)
	if err != nil {
		b.logger.Error("encoding device state failed", "device_id", st.DeviceID, "error", err)
		return
	}
	if err := b.broker.PublishRetained(b.topics.DeviceState(st.DeviceID), payload); err != nil {
		b.logger.Warn("publishing device state failed", "device_id", st.DeviceID, "error", err)
	}

	if prev, seen := b.online[st.DeviceID]; seen && prev == st.Online {
		return
	}
	presence := presenceOffline
	if st.Online {
		presence = presenceOnline
	}
	if err := b.broker.PublishRetained(b.topics.DevicePresence(st.DeviceID), []byte(presence)); err != nil {
		b.logger.Warn("publishing device presence failed", "device_id", st.DeviceID, "error", err)
		return
	}
	b.online[st.DeviceID] = st.Online
}

func (b *mqttBridge) publishAlert(a alert.Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		b.logger.Error("encoding alert failed", "error", err)
		return
	}
	if err := b.broker.PublishEvent(b.topics.Alert(a.Type), payload); err != nil {
		b.logger.Warn("publishing alert failed", "type", a.Type, "error", err)
	}
}

// handleCommand executes a relay command received from the broker. An
// offline device is not an error: the optimistic registry update still
// applies, as it does for API commands.
func (b *mqttBridge) handleCommand(topic string, payload []byte) error {
	deviceID, ok := mqtt.ParseDeviceCommandTopic(topic)
	if !ok {
		return fmt.Errorf("%w: topic %q", ErrInvalidCommand, topic)
	}

	var cmd relayCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if cmd.Relay == "" {
		return fmt.Errorf("%w: relay is required", ErrInvalidCommand)
	}

	var sent bool
	details := map[string]any{"relay": cmd.Relay}
	switch {
	case cmd.Toggle:
		sent = b.dispatcher.ToggleRelay(deviceID, cmd.Relay)
		details["toggle"] = true
	case cmd.Value != nil:
		if *cmd.Value != 0 && *cmd.Value != 1 {
			return fmt.Errorf("%w: %w", ErrInvalidCommand, command.ErrInvalidRelayValue)
		}
		sent = b.dispatcher.SetRelay(deviceID, cmd.Relay, *cmd.Value == 1)
		details["value"] = *cmd.Value
	default:
		return fmt.Errorf("%w: value or toggle is required", ErrInvalidCommand)
	}
	details["delivered"] = sent

	b.audit.Record(context.Background(), audit.ActionRelayCommand, deviceID, audit.SourceMQTT, details)
	b.logger.Debug("MQTT relay command handled", "device_id", deviceID, "relay", cmd.Relay, "delivered", sent)
	return nil
}
