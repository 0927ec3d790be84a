package link

import "sync/atomic"

// Stats is a point-in-time copy of the manager's counters.
type Stats struct {
	Accepted          uint64 `json:"accepted"`
	Rejected          uint64 `json:"rejected"`
	AuthFailures      uint64 `json:"auth_failures"`
	FramesRx          uint64 `json:"frames_rx"`
	FramesTx          uint64 `json:"frames_tx"`
	SendFailures      uint64 `json:"send_failures"`
	ProtocolErrors    uint64 `json:"protocol_errors"`
	ParseErrors       uint64 `json:"parse_errors"`
	HeartbeatTimeouts uint64 `json:"heartbeat_timeouts"`
	Replaced          uint64 `json:"replaced"`

	ActiveConnections int `json:"active_connections"`
	ConnectedDevices  int `json:"connected_devices"`
}

// counters holds the manager's statistics (atomic for lock-free updates).
type counters struct {
	accepted          atomic.Uint64
	rejected          atomic.Uint64
	authFailures      atomic.Uint64
	framesRx          atomic.Uint64
	framesTx          atomic.Uint64
	sendFailures      atomic.Uint64
	protocolErrors    atomic.Uint64
	parseErrors       atomic.Uint64
	heartbeatTimeouts atomic.Uint64
	replaced          atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Accepted:          c.accepted.Load(),
		Rejected:          c.rejected.Load(),
		AuthFailures:      c.authFailures.Load(),
		FramesRx:          c.framesRx.Load(),
		FramesTx:          c.framesTx.Load(),
		SendFailures:      c.sendFailures.Load(),
		ProtocolErrors:    c.protocolErrors.Load(),
		ParseErrors:       c.parseErrors.Load(),
		HeartbeatTimeouts: c.heartbeatTimeouts.Load(),
		Replaced:          c.replaced.Load(),
	}
}
