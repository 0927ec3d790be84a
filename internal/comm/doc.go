// Package comm assembles the device communication service.
//
// A Service owns the link manager and connects its events to the device
// registry: telemetry and relay state are merged into the registry, connect
// and disconnect flip the online flag, and telemetry is checked against the
// tank alert rules. Optional collaborators hang off the registry's snapshot
// stream:
//
//   - a snapshot persister that writes changed devices to SQLite and
//     restores them at startup
//   - an MQTT bridge that mirrors device state and presence as retained
//     messages and accepts relay commands
//   - a stats reporter that periodically writes link counters to InfluxDB
//
// When an audit recorder is supplied, connects, disconnects, alerts and
// MQTT relay commands are written to the audit log.
//
// Relay commands go through the Dispatcher returned by Service.Dispatcher.
package comm
