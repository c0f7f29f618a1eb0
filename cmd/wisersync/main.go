// Wiser Sync - Wiser home automation gateway bridge
//
// wisersync mirrors the loads of a Wiser gateway into a local state store,
// keeps them current over the gateway's event stream and turns user writes
// into gateway commands. The store is exposed over MQTT and an admin HTTP API.
//
// Usage:
//
//	wisersync                               run the service
//	wisersync claim -gateway <ip> -user <n> obtain a gateway token
//	wisersync token -subject <name>         issue an admin API token
//	wisersync version                       print build information
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/wiser-sync/migrations"

	"github.com/nerrad567/wiser-sync/internal/api"
	"github.com/nerrad567/wiser-sync/internal/bridges/wiser"
	"github.com/nerrad567/wiser-sync/internal/infrastructure/config"
	"github.com/nerrad567/wiser-sync/internal/infrastructure/database"
	"github.com/nerrad567/wiser-sync/internal/infrastructure/influxdb"
	"github.com/nerrad567/wiser-sync/internal/infrastructure/logging"
	"github.com/nerrad567/wiser-sync/internal/infrastructure/metrics"
	"github.com/nerrad567/wiser-sync/internal/infrastructure/mqtt"
	"github.com/nerrad567/wiser-sync/internal/state"
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

// claimTimeout bounds the pairing window of the claim command.
const claimTimeout = 2 * time.Minute

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := dispatch(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dispatch runs the subcommand named by args[0], or the service.
func dispatch(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return run(ctx)
	}

	switch args[0] {
	case "claim":
		return runClaim(ctx, args[1:], out, wiser.ClaimToken)
	case "token":
		return runToken(args[1:], out)
	case "version":
		fmt.Fprintf(out, "wisersync %s (commit %s, built %s)\n", version, commit, date)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

type claimFunc func(ctx context.Context, gatewayAddr, user string, opts ...wiser.ClaimOption) (string, error)

// runClaim pairs with a gateway and prints the token. The gateway's pairing
// button must be pressed while the command waits.
func runClaim(ctx context.Context, args []string, out io.Writer, claim claimFunc) error {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	fs.SetOutput(out)
	gateway := fs.String("gateway", "", "gateway address (host or host:port)")
	user := fs.String("user", "wisersync", "user name to register on the gateway")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *gateway == "" {
		return errors.New("claim: -gateway is required")
	}

	ctx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	fmt.Fprintf(out, "Press the pairing button on the gateway at %s...\n", *gateway)
	token, err := claim(ctx, *gateway, *user)
	if err != nil {
		return fmt.Errorf("claiming gateway: %w", err)
	}

	fmt.Fprintf(out, "Gateway claimed. Set gateway.token (or WISERSYNC_GATEWAY_TOKEN) to:\n%s\n", token)
	return nil
}

// runToken issues an admin API token signed with the configured secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "admin", "token subject")
	ttl := fs.Duration("ttl", 0, "token lifetime (default: security.jwt.access_token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return errors.New("token: security.jwt.secret is not configured")
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	}

	token, err := api.GenerateToken(*subject, cfg.Security.JWT.Secret, lifetime)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

// run is the service, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Wiser Sync",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)

	db, err := database.Open(ctx, database.Config{
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

	store := state.NewStore(db.DB)
	store.SetLogger(log.Component("state"))

	stats, err := metrics.New(cfg.Statsd)
	if err != nil {
		return fmt.Errorf("creating metrics client: %w", err)
	}
	stats.SetLogger(log.Component("metrics"))
	defer stats.Close()

	topics := mqtt.NewTopics(cfg.MQTT.TopicPrefix, cfg.Site.ID)
	mqttClient, err := startMQTT(ctx, cfg, topics, store, log)
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
	}

	var onSignal func(int, time.Time)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
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
		store.AddRecorder(influxClient)
		onSignal = influxClient.WriteSignalStrength
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	bridge, err := newBridge(cfg, store, mqttClient, topics, stats, onSignal, log)
	if err != nil {
		return err
	}
	store.OnCommand(bridge.HandleCommand)

	var srv *api.Server
	if cfg.API.Enabled {
		srv, err = api.New(api.Deps{
			Config:   cfg.API,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Store:    store,
			Bridge:   bridge,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		store.AddMirror(srv.Hub())
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := bridge.Start(gctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("stopping bridge")
		bridge.Stop()
		return nil
	})

	if srv != nil {
		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}

	log.Info("initialisation complete, waiting for shutdown signal", "gateway", cfg.Gateway.Address())

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Wiser Sync stopped")
	return nil
}

// startMQTT connects the broker and mirrors the store onto it.
// It returns nil when MQTT is disabled.
func startMQTT(ctx context.Context, cfg *config.Config, topics mqtt.Topics, store *state.Store, log *logging.Logger) (*mqtt.Client, error) {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT disabled")
		return nil, nil
	}

	client, err := mqtt.Connect(cfg.MQTT, topics)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mirror := state.NewMQTTMirror(store, client, topics, client.QoS())
	mirror.SetLogger(log.Component("mirror"))
	if err := mirror.Start(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("starting MQTT mirror: %w", err)
	}

	client.SetOnConnect(func() {
		log.Info("MQTT reconnected, republishing states")
		if err := mirror.Resync(ctx); err != nil {
			log.Warn("MQTT resync failed", "error", err)
		}
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	return client, nil
}

// newBridge builds the gateway bridge from configuration.
func newBridge(cfg *config.Config, store *state.Store, mqttClient *mqtt.Client, topics mqtt.Topics,
	stats *metrics.Client, onSignal func(int, time.Time), log *logging.Logger) (*wiser.Bridge, error) {
	timings := cfg.Gateway.Durations()

	gateway := wiser.NewClient(wiser.ClientConfig{
		Address: cfg.Gateway.Address(),
		Token:   cfg.Gateway.Token,
		Timeout: timings.Request,
	})

	opts := wiser.BridgeOptions{
		Gateway:         gateway,
		EventURL:        gateway.WebSocketURL(),
		EventHeader:     gateway.AuthHeader(),
		Store:           store,
		Timings:         timings,
		OutageThreshold: cfg.Gateway.OutageThreshold,
		Site:            cfg.Site.ID,
		Version:         version,
		Logger:          log.Component("wiser"),
		Metrics:         stats,
		OnSignal:        onSignal,
	}
	if mqttClient != nil {
		opts.Health = mqttClient
		opts.HealthTopic = topics.Health()
	}

	bridge, err := wiser.NewBridge(opts)
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}
	return bridge, nil
}

// getConfigPath returns the configuration file path.
// Uses WISERSYNC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("WISERSYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
