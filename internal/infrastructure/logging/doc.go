// Package logging provides structured logging for V900 Core.
//
// It wraps log/slog so every component logs through one configured handler:
// JSON for deployments, text when a human is watching the console. Each
// entry carries the service name and build version.
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	linkLog := logger.With("component", "link")
//	linkLog.Info("device connected", "device_id", id)
//
// Device tokens must never be logged; log the device ID instead.
package logging
