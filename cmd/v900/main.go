// V900 Core - device communication server for the V900 vehicle controller.
//
// Devices (ESP32 relay and sensor boards) connect over TCP, authenticate
// with a handshake line and then exchange length-prefixed JSON frames.
// The core keeps the latest state of every device, dispatches relay
// commands, raises tank-level alerts and exposes all of it over a REST
// and WebSocket API, with optional MQTT and InfluxDB integration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/v900-core/migrations"

	"github.com/nerrad567/v900-core/internal/alert"
	"github.com/nerrad567/v900-core/internal/api"
	"github.com/nerrad567/v900-core/internal/audit"
	"github.com/nerrad567/v900-core/internal/auth"
	"github.com/nerrad567/v900-core/internal/comm"
	"github.com/nerrad567/v900-core/internal/device"
	"github.com/nerrad567/v900-core/internal/infrastructure/config"
	"github.com/nerrad567/v900-core/internal/infrastructure/database"
	"github.com/nerrad567/v900-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/v900-core/internal/infrastructure/logging"
	"github.com/nerrad567/v900-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/v900-core/internal/panel"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting V900 Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	authenticator, err := auth.NewAuthenticator(auth.NewTokenRepository(db.DB), cfg.Auth.Policy,
		log.With("component", "auth").Logger)
	if err != nil {
		return fmt.Errorf("creating authenticator: %w", err)
	}
	if seedErr := authenticator.SeedTokens(ctx, cfg.Auth.Tokens); seedErr != nil {
		return fmt.Errorf("seeding device tokens: %w", seedErr)
	}

	registry := device.NewRegistry()
	registry.SetLogger(log.With("component", "registry"))

	recorder := audit.NewRecorder(audit.NewSQLiteRepository(db.DB))
	recorder.SetLogger(log.With("component", "audit"))

	monitor := alert.NewMonitor(cfg.Alerts)
	monitor.SetLogger(log.With("component", "alert"))

	deps := comm.Deps{
		Registry:  registry,
		Auth:      authenticator,
		Alerts:    monitor,
		Snapshots: device.NewSQLiteSnapshotRepository(db.DB),
		Audit:     recorder,
	}

	// Optional integrations. Interface fields are only set for live
	// clients so a disabled integration stays a nil interface.
	mqttClient, err := connectMQTT(cfg, log)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		deps.Broker = mqttClient
	}

	influxClient, err := connectInfluxDB(cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		deps.Counters = influxClient
	}

	service := comm.NewService(comm.ConfigFrom(cfg), deps)
	service.SetLogger(log.With("component", "comm"))
	if startErr := service.Start(ctx); startErr != nil {
		return fmt.Errorf("starting device server: %w", startErr)
	}
	defer service.Stop()

	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Logger:     log.With("component", "api"),
			Registry:   registry,
			Link:       service,
			Dispatcher: service.Dispatcher(),
			Tokens:     authenticator,
			Alerts:     monitor,
			Audit:      recorder,
			Panel:      panel.Handler(cfg.API.PanelDir),
			Version:    version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
		log.Info("API server started", "address", apiServer.Addr())
	} else {
		log.Info("API server disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"device_address", service.Addr(),
		"auth_policy", authenticator.Policy(),
	)

	<-ctx.Done()

	// Deferred calls run in reverse order: API, device server (final
	// snapshot flush), InfluxDB, MQTT, database.
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses V900_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("V900_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectMQTT connects to the broker when MQTT is enabled. It returns a nil
// client when disabled.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT disabled")
		return nil, nil
	}

	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.With("component", "mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", client.ClientID(),
	)
	return client, nil
}

// connectInfluxDB connects to InfluxDB when enabled. It returns a nil client
// when disabled.
func connectInfluxDB(cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}

	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})

	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// healthCheck verifies the infrastructure connections. Disabled
// integrations are nil and skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
