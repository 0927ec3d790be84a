package device

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry holds the live state of every known device.
//
// All public methods are safe for concurrent use. Reads (Snapshot, Get,
// Count) are lock-free.
type Registry struct {
	mu       sync.Mutex // serialises mutation and publication
	revision uint64
	subs     map[*Subscription]struct{}

	current atomic.Pointer[Snapshot]

	now    func() time.Time
	logger Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		subs:   make(map[*Subscription]struct{}),
		now:    time.Now,
		logger: noopLogger{},
	}
	r.current.Store(emptySnapshot)
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// ApplyTelemetry merges numeric telemetry fields into a device's state and
// stamps its last-seen time. Fields not present in the update are kept.
// The device entry is created if it does not exist.
func (r *Registry) ApplyTelemetry(deviceID string, fields map[string]float64) error {
	if deviceID == "" {
		return ErrInvalidDeviceID
	}

	r.update(deviceID, func(st *DeviceState, nowMs int64) {
		maps.Copy(st.Telemetry, fields)
		st.LastSeenMillis = nowMs
	})
	r.logger.Debug("telemetry applied", "device_id", deviceID, "fields", len(fields))
	return nil
}

// ApplyRelayState merges reported relay states into a device's state and
// stamps its last-seen time.
func (r *Registry) ApplyRelayState(deviceID string, relays map[string]bool) error {
	if deviceID == "" {
		return ErrInvalidDeviceID
	}

	r.update(deviceID, func(st *DeviceState, nowMs int64) {
		maps.Copy(st.Relays, relays)
		st.LastSeenMillis = nowMs
	})
	r.logger.Debug("relay state applied", "device_id", deviceID, "relays", len(relays))
	return nil
}

// ApplyRelayIntent records a relay value the server has just commanded,
// before the device confirms it. It does not touch the last-seen time:
// nothing was heard from the device. Devices the registry has never seen
// get no entry; ErrDeviceNotFound is returned instead.
func (r *Registry) ApplyRelayIntent(deviceID, relay string, on bool) error {
	if deviceID == "" {
		return ErrInvalidDeviceID
	}
	if relay == "" {
		return ErrInvalidRelay
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.current.Load().devices[deviceID]; !ok {
		return ErrDeviceNotFound
	}
	r.updateLocked(deviceID, func(st *DeviceState, _ int64) {
		st.Relays[relay] = on
	})
	return nil
}

// SetOnline records whether the device currently holds a live connection.
// Going online also stamps the last-seen time. Marking an unknown or
// already offline device offline is a no-op and publishes nothing.
func (r *Registry) SetOnline(deviceID string, online bool) error {
	if deviceID == "" {
		return ErrInvalidDeviceID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.current.Load().devices[deviceID]
	if !online && (!exists || !prev.Online) {
		return nil
	}

	r.updateLocked(deviceID, func(st *DeviceState, nowMs int64) {
		st.Online = online
		if online {
			st.LastSeenMillis = nowMs
		}
	})
	return nil
}

// Restore seeds the registry with previously persisted states. Entries for
// devices already present are skipped so live data always wins. Restored
// devices are marked offline. It returns the number of devices added.
func (r *Registry) Restore(states []DeviceState) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	next := maps.Clone(prev.devices)

	added := 0
	for _, st := range states {
		if st.DeviceID == "" {
			continue
		}
		if _, ok := next[st.DeviceID]; ok {
			continue
		}
		r.revision++
		restored := st.Clone()
		restored.Online = false
		restored.Revision = r.revision
		next[st.DeviceID] = restored
		added++
	}

	if added > 0 {
		r.publishLocked(&Snapshot{devices: next, revision: r.revision})
		r.logger.Info("device states restored", "count", added)
	}
	return added
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Get returns a copy of one device's current state.
func (r *Registry) Get(deviceID string) (DeviceState, bool) {
	return r.current.Load().Get(deviceID)
}

// RelayState returns the last known state of one relay, false if unknown.
func (r *Registry) RelayState(deviceID, relay string) bool {
	st, ok := r.current.Load().devices[deviceID]
	return ok && st.Relays[relay]
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	return r.current.Load().Len()
}

// update applies fn to a fresh copy of the device's state and publishes.
func (r *Registry) update(deviceID string, fn func(st *DeviceState, nowMs int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateLocked(deviceID, fn)
}

// updateLocked builds the next snapshot with fn applied to deviceID.
// The previous snapshot's maps are never written to; the changed device is
// deep-copied first and the rest are shared. Callers must hold r.mu.
func (r *Registry) updateLocked(deviceID string, fn func(st *DeviceState, nowMs int64)) {
	prev := r.current.Load()

	st, ok := prev.devices[deviceID]
	if ok {
		st = st.Clone()
	} else {
		st = DeviceState{DeviceID: deviceID}.Clone()
	}

	fn(&st, r.now().UnixMilli())

	r.revision++
	st.Revision = r.revision

	next := maps.Clone(prev.devices)
	if next == nil {
		next = make(map[string]DeviceState, 1)
	}
	next[deviceID] = st

	r.publishLocked(&Snapshot{devices: next, revision: r.revision})
}

// publishLocked stores snap and offers it to every subscriber.
// Callers must hold r.mu.
func (r *Registry) publishLocked(snap *Snapshot) {
	r.current.Store(snap)
	for sub := range r.subs {
		sub.offer(snap)
	}
}
