package link

import (
	"context"
	"time"
)

// sweepLoop periodically closes connections that have been silent for
// longer than the heartbeat timeout. The reader goroutine of each closed
// connection then performs the normal disconnect path.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce closes every connection idle for longer than the timeout and
// returns how many it closed.
func (m *Manager) sweepOnce() int {
	now := m.now()

	m.mu.Lock()
	var stale []*connection
	for c := range m.active {
		if c.idleFor(now) > m.cfg.HeartbeatTimeout {
			stale = append(stale, c)
		}
	}
	m.mu.Unlock()

	for _, c := range stale {
		m.stats.heartbeatTimeouts.Add(1)
		m.logger.Warn("heartbeat timeout, closing connection",
			"remote", c.remote,
			"idle", c.idleFor(now).Round(time.Second).String(),
		)
		c.close()
	}
	return len(stale)
}
