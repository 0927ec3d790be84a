package device

import (
	"maps"
	"slices"
)

// Well-known telemetry keys sent by the V900 ESP32 boards.
const (
	TelemetryTacho      = "tacho"
	TelemetrySpeed      = "speed"
	TelemetryFuel       = "fuel"
	TelemetryFreshWater = "fresh_water"
	TelemetryBlackWater = "black_water"
)

// DeviceState is the latest known state of one device.
//
// Telemetry and Relays are sparse: a key is present once the device (or an
// optimistic command) has reported it, and is never removed afterwards.
type DeviceState struct {
	DeviceID       string             `json:"device_id"`
	Telemetry      map[string]float64 `json:"telemetry"`
	Relays         map[string]bool    `json:"relays"`
	LastSeenMillis int64              `json:"last_seen_ms"`
	Online         bool               `json:"online"`

	// Revision is the registry revision at which this device last changed.
	Revision uint64 `json:"revision"`
}

// Clone returns a deep copy of the state. Nil maps become empty maps.
func (s DeviceState) Clone() DeviceState {
	out := s
	out.Telemetry = make(map[string]float64, len(s.Telemetry))
	maps.Copy(out.Telemetry, s.Telemetry)
	out.Relays = make(map[string]bool, len(s.Relays))
	maps.Copy(out.Relays, s.Relays)
	return out
}

// Relay reports the state of a relay, false if it has never been reported.
func (s DeviceState) Relay(name string) bool {
	return s.Relays[name]
}

// Snapshot is an immutable view of every device at one registry revision.
//
// The registry never mutates a Snapshot after publishing it. Accessors return
// deep copies so callers cannot either.
type Snapshot struct {
	devices  map[string]DeviceState
	revision uint64
}

// emptySnapshot is published before the first mutation.
var emptySnapshot = &Snapshot{devices: map[string]DeviceState{}}

// Revision returns the registry revision this snapshot was taken at.
func (s *Snapshot) Revision() uint64 {
	return s.revision
}

// Len returns the number of devices in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.devices)
}

// Get returns a copy of one device's state.
func (s *Snapshot) Get(deviceID string) (DeviceState, bool) {
	st, ok := s.devices[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	return st.Clone(), true
}

// IDs returns the device IDs in sorted order.
func (s *Snapshot) IDs() []string {
	return slices.Sorted(maps.Keys(s.devices))
}

// Devices returns copies of all device states sorted by device ID.
func (s *Snapshot) Devices() []DeviceState {
	out := make([]DeviceState, 0, len(s.devices))
	for _, id := range s.IDs() {
		out = append(out, s.devices[id].Clone())
	}
	return out
}

// ChangedSince returns copies of the devices whose Revision is greater than rev.
func (s *Snapshot) ChangedSince(rev uint64) []DeviceState {
	var out []DeviceState
	for _, id := range s.IDs() {
		if st := s.devices[id]; st.Revision > rev {
			out = append(out, st.Clone())
		}
	}
	return out
}

// Map returns a deep copy of the snapshot keyed by device ID.
// It is the shape pushed to UI subscribers.
func (s *Snapshot) Map() map[string]DeviceState {
	out := make(map[string]DeviceState, len(s.devices))
	for id, st := range s.devices {
		out[id] = st.Clone()
	}
	return out
}
