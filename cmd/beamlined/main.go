// beamlined is the beamline control daemon.
//
// It loads the instrument catalog from iconfig.toml, connects the
// devices to the IOCs over Channel Access (or to the built-in
// simulation when hardware_is_present is false), and serves the REST
// API and WebSocket stream that operator consoles and beamsh talk to.
// Scan documents flow from the engine into the SQLite run catalog and,
// when configured, onto the MQTT document bus and into InfluxDB and
// VictoriaMetrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/apsidal/beamline-core/migrations"

	"github.com/apsidal/beamline-core/internal/api"
	"github.com/apsidal/beamline-core/internal/audit"
	"github.com/apsidal/beamline-core/internal/auth"
	"github.com/apsidal/beamline-core/internal/catalog"
	"github.com/apsidal/beamline-core/internal/console"
	"github.com/apsidal/beamline-core/internal/devices"
	"github.com/apsidal/beamline-core/internal/epics/ca"
	"github.com/apsidal/beamline-core/internal/facility"
	"github.com/apsidal/beamline-core/internal/infrastructure/config"
	"github.com/apsidal/beamline-core/internal/infrastructure/database"
	"github.com/apsidal/beamline-core/internal/infrastructure/influxdb"
	"github.com/apsidal/beamline-core/internal/infrastructure/logging"
	"github.com/apsidal/beamline-core/internal/infrastructure/mqtt"
	"github.com/apsidal/beamline-core/internal/infrastructure/tsdb"
	"github.com/apsidal/beamline-core/internal/instrument"
	"github.com/apsidal/beamline-core/internal/motorpos"
	"github.com/apsidal/beamline-core/internal/repeater"
	"github.com/apsidal/beamline-core/internal/scan"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual daemon logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo,maintidx // daemon assembly: each component follows the same connect/defer/log shape
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting beamlined",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration (layered iconfig files)
	paths := config.FilePaths("")
	cfg, err := config.Load(paths...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "paths", paths)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Start caRepeater supervision (if managed). The repeater must be
	// up before any circuit registers for beacons.
	if cfg.Repeater.Managed {
		mgr, mgrErr := startRepeater(ctx, cfg, log)
		if mgrErr != nil {
			return fmt.Errorf("starting caRepeater: %w", mgrErr)
		}
		defer func() {
			log.Info("stopping caRepeater")
			if stopErr := mgr.Stop(); stopErr != nil {
				log.Error("error stopping caRepeater", "error", stopErr)
			}
		}()
	}

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Auth repositories and first-boot owner seed
	userRepo := auth.NewUserRepository(db.DB)
	tokenRepo := auth.NewTokenRepository(db.DB)
	consoleIDRepo := auth.NewConsoleRepository(db.DB)
	hutchAccessRepo := auth.NewHutchAccessRepository(db.DB)

	seedPassword, err := auth.SeedOwner(ctx, userRepo, log.Logger)
	if err != nil {
		return fmt.Errorf("seeding owner account: %w", err)
	}
	if seedPassword != "" {
		// Printed once on first boot; change it immediately.
		fmt.Printf("INITIAL OWNER PASSWORD: %s\n", seedPassword)
	}

	// Instrument transport: Channel Access against real IOCs, or the
	// built-in simulation for offline development and testing.
	var transport devices.Transport
	if cfg.Beamline.HardwareIsPresent {
		pool := ca.NewPool(ca.PoolConfig{
			AddrList:       cfg.EPICS.AddrList,
			ConnectTimeout: cfg.EPICS.GetConnectTimeout(),
			EchoInterval:   cfg.EPICS.GetEchoInterval(),
			MaxArrayBytes:  cfg.EPICS.MaxArrayBytes,
			Workers:        cfg.EPICS.Workers,
			QueueSize:      cfg.EPICS.QueueSize,
		})
		pool.SetLogger(log)
		defer func() {
			log.Info("closing Channel Access pool")
			if closeErr := pool.Close(); closeErr != nil {
				log.Error("error closing CA pool", "error", closeErr)
			}
		}()
		transport = devices.NewCATransport(pool)
		log.Info("Channel Access transport ready", "addr_list", cfg.EPICS.AddrList)
	} else {
		transport = devices.NewSim()
		log.Info("hardware not present, using simulated transport")
	}

	// Build the instrument registry from the configured device catalog
	loader := instrument.NewLoader(cfg, transport)
	loader.SetLogger(log)
	registry, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading instrument: %w", err)
	}
	log.Info("instrument loaded", "devices", len(registry.All()), "labels", registry.Labels())

	// Scan engine
	engine := scan.NewEngine(cfg.Beamline.Name, cfg.Facility.Name, version)
	engine.SetLogger(log)
	engine.SetExtraMetadata(map[string]any{
		"xray_source": cfg.Facility.XraySource,
	})

	// Run catalog persists every document the engine emits
	catalogRepo := catalog.NewSQLiteRepository(db.DB)
	engine.Subscribe(catalogRepo)

	// MQTT document bus (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			stats := mqttClient.Statistics()
			log.Info("disconnecting from MQTT",
				"published", stats.Published,
				"publish_errors", stats.PublishErrors,
				"received", stats.Received,
			)
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		engine.Subscribe(mqtt.NewDocumentSink(mqttClient, byte(cfg.MQTT.QoS)))
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB export (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection", "write_errors", influxClient.WriteErrorCount())
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetBeamline(cfg.Beamline.Name)
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)

		engine.Subscribe(influxdb.NewEventSink(influxClient))
	} else {
		log.Info("InfluxDB disabled")
	}

	// VictoriaMetrics export (optional)
	var tsdbClient *tsdb.Client
	if cfg.TSDB.Enabled {
		tsdbClient, err = tsdb.Connect(ctx, cfg.TSDB)
		if err != nil {
			return fmt.Errorf("connecting to TSDB: %w", err)
		}
		defer func() {
			stats := tsdbClient.Statistics()
			log.Info("closing TSDB connection",
				"lines_written", stats.LinesWritten,
				"lines_dropped", stats.LinesDropped,
			)
			if closeErr := tsdbClient.Close(); closeErr != nil {
				log.Error("error closing TSDB", "error", closeErr)
			}
		}()
		tsdbClient.SetOnError(func(err error) {
			log.Error("TSDB write error", "error", err)
		})
		log.Info("TSDB connected", "url", cfg.TSDB.URL)

		engine.Subscribe(tsdb.NewEventSink(tsdbClient))
	} else {
		log.Info("TSDB disabled")
	}

	// WebSocket hub relays documents to connected GUIs; create it here
	// so it can subscribe to the engine before the server starts.
	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)
	engine.Subscribe(hub.DocumentSink())

	// Run-adjacent services
	positions := motorpos.NewService(motorpos.NewSQLiteRepository(db.DB), registry)
	facilityRepo := facility.NewSQLiteRepository(db.DB)
	consoleRepo := console.NewSQLiteRepository(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)

	// API server
	server, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log,
		Beamline:    cfg.Beamline.Name,
		Registry:    registry,
		Engine:      engine,
		Catalog:     catalogRepo,
		Positions:   positions,
		Facility:    facilityRepo,
		Consoles:    consoleRepo,
		Audit:       auditRepo,
		Users:       userRepo,
		Tokens:      tokenRepo,
		ConsoleIDs:  consoleIDRepo,
		HutchAccess: hutchAccessRepo,
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient, tsdbClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if size, sizeErr := db.SizeBytes(); sizeErr == nil {
		log.Info("all health checks passed", "db_bytes", size)
	} else {
		log.Info("all health checks passed")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, TSDB, InfluxDB, MQTT, CA pool, database, caRepeater.

	log.Info("beamlined stopped")
	return nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - tsdbClient: TSDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, tsdbClient *tsdb.Client) error {
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

	if tsdbClient != nil {
		if err := tsdbClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("tsdb: %w", err)
		}
	}

	// Device connectivity is verified during instrument load - each
	// device's signals connect before Load returns.

	return nil
}

// startRepeater initialises and starts caRepeater supervision.
//
// Parameters:
//   - ctx: Context for startup/cancellation
//   - cfg: Application configuration
//   - log: Logger instance
//
// Returns:
//   - *repeater.Manager: Running repeater manager
//   - error: If caRepeater fails to start
func startRepeater(ctx context.Context, cfg *config.Config, log *logging.Logger) (*repeater.Manager, error) {
	mgr, err := repeater.NewManager(repeater.FromConfig(cfg.Repeater))
	if err != nil {
		return nil, fmt.Errorf("creating repeater manager: %w", err)
	}
	mgr.SetLogger(log)

	log.Info("starting caRepeater", "port", cfg.Repeater.Port)
	if err := mgr.Start(ctx); err != nil {
		return nil, err
	}
	log.Info("caRepeater running", "managed", mgr.IsManaged())

	return mgr, nil
}
