package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoint writes a point with full control over tags and fields.
// The write is non-blocking; it is dropped when the client is closed.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, at))
}

// WriteCounters writes a set of integer counters as one point.
func (c *Client) WriteCounters(measurement string, tags map[string]string, counters map[string]int64, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(counterPoint(measurement, tags, counters, at))
}

func counterPoint(measurement string, tags map[string]string, counters map[string]int64, at time.Time) *write.Point {
	fields := make(map[string]any, len(counters))
	for k, v := range counters {
		fields[k] = v
	}
	return write.NewPoint(measurement, tags, fields, at)
}
