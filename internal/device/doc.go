// Package device provides the live Device Registry for V900 Core.
//
// The registry is the single source of truth for the latest known state of
// every device that has ever connected: numeric telemetry (tacho, speed,
// tank levels, ...), relay states, the last-seen timestamp and whether the
// device currently holds a live connection.
//
// # Concurrency
//
// All mutation is serialised by one mutex. After every change the registry
// builds a new immutable Snapshot and publishes it through an atomic pointer,
// so readers never take the lock and never observe a half-applied update.
// Updates merge into existing state; nothing is ever removed.
//
// Subscribers receive snapshots through a single-slot channel. A slow
// subscriber only ever sees the most recent snapshot; intermediate ones are
// dropped, never queued.
//
// # Usage
//
//	reg := device.NewRegistry()
//	reg.SetLogger(log.With("component", "registry"))
//
//	sub := reg.Subscribe()
//	defer sub.Close()
//
//	_ = reg.ApplyTelemetry("esp01", map[string]float64{"fuel": 42})
//	snap := <-sub.C()
//	state, _ := snap.Get("esp01")
//
// # Persistence
//
// SQLiteSnapshotRepository stores the latest state per device so the
// registry can be seeded with Restore after a restart. Telemetry history is
// not kept.
package device
