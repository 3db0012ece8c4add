// Bifrost - MQTT volume bridge
//
// Bifrost mirrors the local device volume to an MQTT broker and applies
// volume commands received from it. The broker connection is submitted at
// runtime through the local configuration page and persisted in SQLite.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/nerrad567/bifrost/migrations"

	"github.com/nerrad567/bifrost/internal/api"
	"github.com/nerrad567/bifrost/internal/bridge"
	"github.com/nerrad567/bifrost/internal/infrastructure/config"
	"github.com/nerrad567/bifrost/internal/infrastructure/database"
	"github.com/nerrad567/bifrost/internal/infrastructure/influxdb"
	"github.com/nerrad567/bifrost/internal/infrastructure/logging"
	"github.com/nerrad567/bifrost/internal/settings"
	"github.com/nerrad567/bifrost/internal/volume"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// connectTimeout bounds each broker connection attempt.
const connectTimeout = 10 * time.Second

// errVersionShown stops run after --version without signalling a failure.
var errVersionShown = errors.New("version shown")

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errVersionShown) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the parsed command line.
type options struct {
	configPath  string
	showVersion bool
}

// parseFlags parses args. The config path falls back to BIFROST_CONFIG and
// then to the default.
func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("bifrost", flag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.configPath == "" {
		opts.configPath = getConfigPath()
	}
	return opts, nil
}

// getConfigPath returns the configuration file path.
// Uses BIFROST_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BIFROST_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run is the actual application logic, separated from main for testability.
//
// Shutdown happens through the deferred calls in reverse order of startup:
// API server, bridge, InfluxDB, volume source and finally the database.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "bifrost %s (commit %s, built %s)\n", version, commit, date)
		return errVersionShown
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Bifrost",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", opts.configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, cfg.Database)
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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	store := settings.New(db)

	source, err := volume.New(cfg.Volume)
	if err != nil {
		return fmt.Errorf("creating volume source: %w", err)
	}
	defer func() {
		if closeErr := source.Close(); closeErr != nil {
			log.Error("error closing volume source", "error", closeErr)
		}
	}()
	log.Info("volume source ready", "backend", cfg.Volume.Backend)

	hub := api.NewHub(log.Component("websocket"))
	observers := []bridge.VolumeObserver{hub.VolumeChanged}

	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		observers = append(observers, influxClient.WriteVolume)
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	b, err := bridge.New(bridgeDeps(cfg, source, store, hub, observers, log))
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	// The hub outlives the API server so shutdown broadcasts are not lost.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	if startErr := b.Start(ctx); startErr != nil {
		return fmt.Errorf("starting bridge: %w", startErr)
	}
	defer func() {
		log.Info("stopping bridge")
		if closeErr := b.Close(); closeErr != nil {
			log.Error("error stopping bridge", "error", closeErr)
		}
	}()

	server, err := api.New(api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log.Component("api"),
		Bridge:  b,
		Hub:     hub,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"address", server.Addr().String(),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// bridgeDeps translates file configuration into bridge dependencies.
func bridgeDeps(cfg *config.Config, source volume.Source, store bridge.Store, hub *api.Hub, observers []bridge.VolumeObserver, log *logging.Logger) bridge.Deps {
	qos := byte(cfg.Bridge.QoS) //nolint:gosec // validated to 0..2

	deps := bridge.Deps{
		Source: source,
		Store:  store,
		Logger: log,
		Session: bridge.SessionConfig{
			QoS:                qos,
			ConnectTimeout:     connectTimeout,
			ReconnectInitial:   time.Duration(cfg.Bridge.Reconnect.InitialDelay) * time.Second,
			ReconnectMax:       time.Duration(cfg.Bridge.Reconnect.MaxDelay) * time.Second,
			LegacyCommandTopic: cfg.Bridge.LegacyCommandTopic,
		},
		PollInterval: cfg.Volume.PollInterval,
		ProbeTimeout: cfg.Bridge.ProbeTimeout,
		Notifier:     hub,
		Observers:    observers,
	}
	if cfg.Bridge.HomeAssistant.Enabled {
		deps.Discovery = bridge.NewDiscovery(cfg.Bridge.HomeAssistant, version, qos)
	}
	return deps
}

// healthCheck verifies the local infrastructure is usable. The broker is
// not checked; Bifrost runs unconfigured until a broker is submitted.
func healthCheck(ctx context.Context, db *database.DB, server *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
