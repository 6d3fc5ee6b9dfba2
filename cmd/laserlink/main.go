// LaserLink Core - laser cutter control service
//
// This is the main entry point. It discovers machines on the local network
// and the relay server, keeps a control session to the selected machine and
// exposes both through the local HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/laserlink-core/migrations"

	"github.com/nerrad567/laserlink-core/internal/api"
	"github.com/nerrad567/laserlink-core/internal/audit"
	"github.com/nerrad567/laserlink-core/internal/auth"
	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/devicemaster"
	"github.com/nerrad567/laserlink-core/internal/discovery"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/config"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/database"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/laserlink-core/internal/process"
	"github.com/nerrad567/laserlink-core/internal/relay"
	"github.com/nerrad567/laserlink-core/internal/store"
	"github.com/nerrad567/laserlink-core/internal/transport"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// restoreListenerID is the discovery listener that triggers selection restore.
const restoreListenerID = "restore-selection"

// Operation journal retention.
const (
	journalRetention     = 90 * 24 * time.Hour
	journalPruneInterval = 24 * time.Hour
)

// backendReadyTimeout bounds the wait for a managed gateway to accept connections.
const backendReadyTimeout = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled or a
// background component fails.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting LaserLink Core",
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
	log.Info("configuration loaded", "path", configPath, "instance", cfg.Instance.ID, "role", cfg.Instance.Role)

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
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	if cfg.Security.StoreSecret == "" {
		return errors.New("security.store_secret is required (set LASERLINK_STORE_SECRET)")
	}
	st, err := store.New(ctx, db.DB, cfg.Security.StoreSecret)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	journal := audit.NewSQLiteRepository(db.DB)
	clients := auth.NewClientRepository(db.DB)
	if _, seedErr := auth.SeedAdmin(ctx, clients, log.Logger); seedErr != nil {
		return fmt.Errorf("seeding api clients: %w", seedErr)
	}

	// Optional: the managed gateway must be up before sessions dial it.
	if cfg.Backend.Managed {
		backend, backendErr := startBackend(ctx, cfg, log)
		if backendErr != nil {
			return backendErr
		}
		defer func() {
			log.Info("stopping gateway backend")
			if stopErr := backend.Stop(); stopErr != nil {
				log.Error("error stopping gateway backend", "error", stopErr)
			}
		}()
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log.With("component", "mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected", "broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port))
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		influxClient.SetOnError(func(err error) { log.Error("InfluxDB write error", "error", err) })
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	clientKey, err := loadClientKey(cfg.Gateway)
	if err != nil {
		return err
	}
	gateway := transport.Config{
		URL:       cfg.GatewayURL(),
		KeepAlive: cfg.Gateway.KeepAliveDuration(),
	}

	_, _, _, expiry, _ := cfg.Discovery.Durations()
	registry := device.NewRegistry(expiry)
	registry.SetLogger(log.With("component", "registry"))

	g, gctx := errgroup.WithContext(ctx)

	var relayClient *relay.Client
	if cfg.Relay.Enabled {
		relayClient = relay.NewClient(relay.Config{
			URL:        cfg.Relay.URL,
			MaxRetries: cfg.Relay.MaxRetries,
			RetryDelay: time.Duration(cfg.Relay.RetryDelay) * time.Second,
		})
		relayClient.SetLogger(log.With("component", "relay"))
		g.Go(func() error {
			// Relay devices are optional; losing the server is not fatal.
			if runErr := relayClient.Run(gctx); runErr != nil {
				log.Error("relay client stopped", "error", runErr)
			}
			return nil
		})
	}

	coordinator, err := startDiscovery(gctx, cfg, registry, gateway, st, mqttClient, relayClient, influxClient, log)
	if err != nil {
		return err
	}
	defer coordinator.Stop()

	master, err := newDeviceMaster(cfg, registry, gateway, clientKey, st, mqttClient, relayClient, influxClient, log)
	if err != nil {
		return err
	}
	defer master.Close() //nolint:errcheck // shutdown
	master.SetAutoReconnect(true)

	// The remembered device is usually not discovered yet; retry on each
	// list update until it is selected.
	listUpdated := make(chan struct{}, 1)
	coordinator.Register(restoreListenerID, func([]device.Info) {
		select {
		case listUpdated <- struct{}{}:
		default:
		}
	})
	g.Go(func() error {
		defer coordinator.Unregister(restoreListenerID)
		return restoreSelection(gctx, master, listUpdated, log)
	})

	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Security:  cfg.Security,
			Logger:    log,
			Registry:  registry,
			Discovery: coordinator,
			Devices:   master,
			Clients:   clients,
			Journal:   journal,
			Version:   version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(gctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	g.Go(func() error {
		pruneJournal(gctx, journal, log)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("LaserLink Core stopped")
	return nil
}

// getConfigPath returns LASERLINK_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("LASERLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadClientKey returns the inline client key or reads it from the key file.
func loadClientKey(gw config.GatewayConfig) (string, error) {
	if gw.ClientKey != "" || gw.ClientKeyFile == "" {
		return gw.ClientKey, nil
	}
	data, err := os.ReadFile(gw.ClientKeyFile)
	if err != nil {
		return "", fmt.Errorf("reading gateway client key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// startBackend launches the gateway binary and waits until it accepts connections.
func startBackend(ctx context.Context, cfg *config.Config, log *logging.Logger) (*process.Manager, error) {
	mgr := process.NewManager(process.FromBackend(cfg.Backend, cfg.Gateway))
	mgr.SetLogger(log.With("component", "backend"))
	if err := mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting gateway backend: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, backendReadyTimeout)
	defer cancel()
	if err := mgr.WaitReady(readyCtx); err != nil {
		mgr.Stop() //nolint:errcheck // already failing
		return nil, fmt.Errorf("waiting for gateway backend: %w", err)
	}
	log.Info("gateway backend ready", "binary", cfg.Backend.Binary, "pid", mgr.PID())
	return mgr, nil
}

// startDiscovery builds the coordinator, claims the configured role and starts it.
func startDiscovery(
	ctx context.Context,
	cfg *config.Config,
	registry *device.Registry,
	gateway transport.Config,
	st *store.Store,
	mqttClient *mqtt.Client,
	relayClient *relay.Client,
	influxClient *influxdb.Client,
	log *logging.Logger,
) (*discovery.Coordinator, error) {
	opts := discovery.Options{
		Registry: registry,
		Gateway:  gateway,
		PokeList: st,
		Config:   discovery.ConfigFrom(cfg.Discovery),
		Logger:   log.With("component", "discovery"),
	}

	if mqttClient != nil {
		ch, err := discovery.NewMQTTChannel(mqttClient, byte(cfg.MQTT.QoS)) // #nosec G115 -- validated 0..2
		if err != nil {
			return nil, fmt.Errorf("creating discovery channel: %w", err)
		}
		ch.SetLogger(log.With("component", "discovery-channel"))
		opts.Channel = ch
	} else {
		opts.Channel = discovery.NewMemoryBus()
	}
	if relayClient != nil {
		opts.Relay = relayClient
	}
	if influxClient != nil {
		opts.Recorder = influxClient
	}
	if cfg.Discovery.MDNS {
		opts.Resolver = discovery.NewMDNSResolver(cfg.Discovery.MDNSService)
	}

	coordinator, err := discovery.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating discovery coordinator: %w", err)
	}
	if cfg.Instance.Role == "master" {
		if err := coordinator.SetMaster(); err != nil {
			return nil, fmt.Errorf("claiming discovery master: %w", err)
		}
	}
	if err := coordinator.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting discovery: %w", err)
	}
	log.Info("discovery started", "role", coordinator.Role().String())
	return coordinator, nil
}

// newDeviceMaster wires the device master to its collaborators.
func newDeviceMaster(
	cfg *config.Config,
	registry *device.Registry,
	gateway transport.Config,
	clientKey string,
	st *store.Store,
	mqttClient *mqtt.Client,
	relayClient *relay.Client,
	influxClient *influxdb.Client,
	log *logging.Logger,
) (*devicemaster.Master, error) {
	factory := &devicemaster.Factory{
		Gateway:        gateway,
		ClientKey:      clientKey,
		ConnectTimeout: cfg.Gateway.ConnectTimeoutDuration(),
		Logger:         log.With("component", "control"),
	}
	opts := devicemaster.Options{
		Registry: registry,
		Sessions: factory,
		Auth: &devicemaster.TouchAuthenticator{
			Gateway:   gateway,
			ClientKey: clientKey,
		},
		Store:  st,
		Logger: log.With("component", "devicemaster"),
	}
	if relayClient != nil {
		factory.Relay = relayClient
		opts.Relay = relayClient
	}
	if mqttClient != nil {
		opts.Publisher = mqttClient
	}
	if influxClient != nil {
		opts.Telemetry = influxClient
	}

	master, err := devicemaster.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating device master: %w", err)
	}
	return master, nil
}

// restoreSelection re-selects the persisted device once discovery reports it.
func restoreSelection(ctx context.Context, master *devicemaster.Master, updates <-chan struct{}, log *logging.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
		}
		if _, ok := master.Current(); ok {
			return nil
		}
		err := master.RestoreSelection(ctx)
		switch {
		case err == nil:
			info, _ := master.Current()
			log.Info("restored device selection", "uuid", info.UUID, "name", info.Name)
			return nil
		case errors.Is(err, devicemaster.ErrNoDevice):
			return nil
		case errors.Is(err, device.ErrDeviceNotFound):
		default:
			log.Warn("restoring device selection", "error", err)
			return nil
		}
	}
}

// pruneJournal drops old journal entries at startup and then daily until ctx ends.
func pruneJournal(ctx context.Context, journal audit.Repository, log *logging.Logger) {
	ticker := time.NewTicker(journalPruneInterval)
	defer ticker.Stop()
	for {
		n, err := journal.Prune(ctx, time.Now().Add(-journalRetention))
		if err != nil && ctx.Err() == nil {
			log.Warn("pruning operation journal", "error", err)
		} else if n > 0 {
			log.Info("pruned operation journal", "removed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// healthCheck verifies the infrastructure connections. Optional clients may be nil.
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
