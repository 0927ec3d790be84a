package comm

import (
	"context"
	"time"

	"github.com/nerrad567/v900-core/internal/link"
)

// statsMeasurement is the InfluxDB measurement for link counters.
const statsMeasurement = "link_stats"

// CounterWriter stores a set of counters as one time-series point.
// *influxdb.Client implements it.
type CounterWriter interface {
	WriteCounters(measurement string, tags map[string]string, counters map[string]int64, at time.Time)
}

func (s *Service) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reportStats(now)
		}
	}
}

func (s *Service) reportStats(now time.Time) {
	tags := map[string]string{"listener": s.Addr()}
	s.deps.Counters.WriteCounters(statsMeasurement, tags, statsCounters(s.manager.Stats()), now)
}

// statsCounters flattens link.Stats into InfluxDB fields.
func statsCounters(st link.Stats) map[string]int64 {
	// #nosec G115 -- counters cannot realistically exceed int64
	return map[string]int64{
		"accepted":           int64(st.Accepted),
		"rejected":           int64(st.Rejected),
		"auth_failures":      int64(st.AuthFailures),
		"frames_rx":          int64(st.FramesRx),
		"frames_tx":          int64(st.FramesTx),
		"send_failures":      int64(st.SendFailures),
		"protocol_errors":    int64(st.ProtocolErrors),
		"parse_errors":       int64(st.ParseErrors),
		"heartbeat_timeouts": int64(st.HeartbeatTimeouts),
		"replaced":           int64(st.Replaced),
		"active_connections": int64(st.ActiveConnections),
		"connected_devices":  int64(st.ConnectedDevices),
	}
}
