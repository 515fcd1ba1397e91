package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"GtfsRtFeed/internal/di"
	"GtfsRtFeed/pkg/config"
	applogger "GtfsRtFeed/pkg/logger"
	"GtfsRtFeed/pkg/server"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath     string
	port           int
	metricsPort    int
	logLevel       string
	busDriver      string
	natsServers    []string
	natsUser       string
	natsClientName string
	durableName    string
	coalesceWindow string
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "gtfs-rt-feed",
		Short: "Serve a full-dataset GTFS-Realtime feed built from trip updates on NATS JetStream",
		Long: `Consumes GTFS-Realtime TripUpdate messages from a durable NATS JetStream
consumer (or a Kafka consumer group), folds them into a full dataset and serves
it over HTTP with ETag, Last-Modified and compression support.

Environment: NATS_SERVERS, NATS_USER, NATS_PASSWORD, NATS_CLIENT_NAME,
NATS_STREAM, NATS_DURABLE_NAME, PORT, METRICS_PORT, LOG_LEVEL, BUS_DRIVER,
KAFKA_BROKERS, KAFKA_TOPIC, APP_ENV.`,
		Example:       "  gtfs-rt-feed --nats-user foo\n  gtfs-rt-feed --config config/config.yaml --port 8080",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "optional YAML config file")
	fl.IntVar(&f.port, "port", 0, "feed listener port (default $PORT or 3000)")
	fl.IntVar(&f.metricsPort, "metrics-port", 0, "metrics listener port (default $METRICS_PORT or 9323)")
	fl.StringVar(&f.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	fl.StringVar(&f.busDriver, "bus-driver", "", "message bus: nats or kafka")
	fl.StringSliceVar(&f.natsServers, "nats-servers", nil, "NATS server(s) to connect to (default $NATS_SERVERS)")
	fl.StringVar(&f.natsUser, "nats-user", "", "user to authenticate with at the NATS server (default $NATS_USER)")
	fl.StringVar(&f.natsClientName, "nats-client-name", "", "name identifying the NATS client (default "+config.ClientNamePrefix+"<random hex>)")
	fl.StringVar(&f.durableName, "durable-name", "", "durable consumer name (default derived from the client name)")
	fl.StringVar(&f.coalesceWindow, "coalesce-window", "", "minimum interval between feed regenerations, e.g. 100ms")
	return cmd
}

// loadConfig applies defaults < file < environment < flags.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.LoadWithEnv(f.configPath)
	if err != nil {
		return nil, err
	}

	fl := cmd.Flags()
	if fl.Changed("port") {
		cfg.Server.Port = f.port
	}
	if fl.Changed("metrics-port") {
		cfg.Server.MetricsPort = f.metricsPort
	}
	if fl.Changed("log-level") {
		cfg.Log.Level = strings.ToLower(f.logLevel)
	}
	if fl.Changed("bus-driver") {
		cfg.Bus.Driver = f.busDriver
	}
	if fl.Changed("nats-servers") {
		cfg.NATS.Servers = f.natsServers
	}
	if fl.Changed("nats-user") {
		cfg.NATS.User = f.natsUser
	}
	if fl.Changed("nats-client-name") {
		cfg.NATS.ClientName = f.natsClientName
	}
	if fl.Changed("durable-name") {
		cfg.NATS.DurableName = f.durableName
	}
	if fl.Changed("coalesce-window") {
		d, err := parseDuration(f.coalesceWindow)
		if err != nil {
			return nil, fmt.Errorf("--coalesce-window: %w", err)
		}
		cfg.Feed.CoalesceWindow = d
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	l.Info("starting gtfs-rt-feed",
		applogger.String("version", version),
		applogger.String("env", cfg.Environment),
		applogger.String("bus", cfg.Bus.Driver),
		applogger.String("client_name", cfg.NATS.ClientName),
		applogger.String("durable", cfg.NATS.DurableName),
	)

	// Wire DI: Initialize all dependencies
	app, cleanup, err := di.InitializeApp(cfg, l)
	if err != nil {
		l.Error("app initialization failed", applogger.Error(err))
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	server.NewShutdown(l, app.Stop, cfg.Server.ForceExitDelay).Listen(ctx)

	// Run application (blocks until stopped)
	if err := app.Run(ctx); err != nil {
		l.Error("app error", applogger.Error(err))
		return err
	}
	return nil
}
