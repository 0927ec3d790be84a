// Package api implements the HTTP REST API and WebSocket server.
//
// This package provides:
//   - REST endpoints to read device snapshots and send relay commands
//   - Device token (pairing) management
//   - Link statistics and a health endpoint
//   - The audit trail of relay commands, pairing changes and connections
//   - A WebSocket hub that pushes every registry change and every alert
//   - Middleware stack (request ID, logging, recovery, body size limit)
//   - The dashboard, when a panel handler is supplied
//
// # Graceful Degradation
//
// Relay commands to an offline device answer 503 device_offline, but the
// optimistic relay state is still recorded for devices the registry knows,
// so reads and the WebSocket stream reflect the intent. IDs never seen are
// not added to the device list.
package api
