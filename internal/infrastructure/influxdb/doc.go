// Package influxdb provides InfluxDB connectivity for operational metrics.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks. The core uses
// it to record link statistics (connection counts, frame counters, failures)
// at a fixed interval; device telemetry itself is not stored here.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteCounters("link_stats", map[string]string{"host": "v900"}, counters, time.Now())
//
// # Error Handling
//
// Writes are batched and errors arrive asynchronously through the callback
// registered with SetOnError. Connection and health check errors are
// returned directly.
package influxdb
