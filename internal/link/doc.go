// Package link implements the device wire protocol and the TCP connection
// manager for V900 Core.
//
// # Wire protocol
//
// A device opens a TCP connection and sends one handshake line: a JSON
// object terminated by '\n', for example
//
//	{"type":"telemetry","deviceId":"esp01","token":"abc"}
//
// The server answers with a framed {"type":"auth_response","status":"ok"}
// (or "denied", followed by close). Every later message in either
// direction is a frame: a 4-byte big-endian length followed by that many
// bytes of UTF-8 JSON.
//
//	┌──────────────┬───────────────────────────┐
//	│ length (BE32)│ JSON payload (length bytes)│
//	└──────────────┴───────────────────────────┘
//
// A length of zero, a negative length or one above the configured maximum
// closes the connection. Malformed JSON inside a well-formed frame is
// logged and skipped.
//
// # Connection lifecycle
//
//	Accepted → Handshaking → Authenticated → Streaming → Closed
//
// The Manager keeps at most one live connection per device ID; a newer
// connection replaces and closes an older one. Only the connection that
// still owns the table entry fires OnDisconnected.
package link
