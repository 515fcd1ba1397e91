package di

import (
	"fmt"

	"GtfsRtFeed/internal/aggregator"
	"GtfsRtFeed/internal/domain/repository"
	"GtfsRtFeed/internal/handler/api"
	"GtfsRtFeed/internal/usecase"
	"GtfsRtFeed/pkg/bus"
	"GtfsRtFeed/pkg/compress"
	"GtfsRtFeed/pkg/config"
	xhttp "GtfsRtFeed/pkg/http"
	pkgkafka "GtfsRtFeed/pkg/kafka"
	applogger "GtfsRtFeed/pkg/logger"
	"GtfsRtFeed/pkg/metrics"
	pkgnats "GtfsRtFeed/pkg/nats"
	"GtfsRtFeed/pkg/server"
)

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() *metrics.Recorder {
	return metrics.New()
}

// ProvideAggregator creates the in-memory differential-to-full store.
func ProvideAggregator(cfg *config.Config) *aggregator.Store {
	return aggregator.New(cfg.Feed.EntityTTL)
}

// ProvideEncoder creates the snapshot compressor.
func ProvideEncoder(cfg *config.Config) (*compress.Encoder, func(), error) {
	enc, err := compress.NewEncoder(compress.Limits{
		BrotliMaxSize: cfg.Feed.Compression.BrotliMaxSize,
		ZstdMaxSize:   cfg.Feed.Compression.ZstdMaxSize,
		GzipMaxSize:   cfg.Feed.Compression.GzipMaxSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("compression: %w", err)
	}
	return enc, func() { _ = enc.Close() }, nil
}

// ProvideSnapshotCache creates the coalescing snapshot cache.
func ProvideSnapshotCache(
	agg repository.Aggregator,
	enc usecase.Encoder,
	m repository.Metrics,
	l *applogger.Logger,
	cfg *config.Config,
) *usecase.SnapshotCache {
	return usecase.NewSnapshotCache(agg, enc, m, l, cfg.Feed.CoalesceWindow)
}

// ProvideHealthEvaluator creates the liveness evaluator.
func ProvideHealthEvaluator(
	snapshots repository.SnapshotSource,
	agg repository.Aggregator,
	m repository.Metrics,
	cfg *config.Config,
) *usecase.HealthEvaluator {
	return usecase.NewHealthEvaluator(snapshots, agg, m, cfg.Feed.StalenessThreshold)
}

// ProvideTripUpdatesHandler creates the bus message handler.
func ProvideTripUpdatesHandler(agg repository.Aggregator, m repository.Metrics) *usecase.TripUpdatesHandler {
	return usecase.NewTripUpdatesHandler(agg, m)
}

// ProvideFeedHandler creates the HTTP feed and health routes.
func ProvideFeedHandler(snapshots repository.SnapshotSource, health api.HealthChecker, m repository.Metrics) *api.FeedHandler {
	return api.NewFeedHandler(snapshots, health, m)
}

// ProvideBusSource creates the durable subscription for the configured driver.
func ProvideBusSource(cfg *config.Config, l *applogger.Logger, rec *metrics.Recorder) (bus.Source, error) {
	switch cfg.Bus.Driver {
	case "kafka":
		consumer, err := pkgkafka.NewConsumer(l,
			pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithConsumerTopic(cfg.Kafka.Topic),
			pkgkafka.WithConsumerGroupID(cfg.Kafka.GroupID),
			pkgkafka.WithConsumerFetch(cfg.Kafka.MinBytes, cfg.Kafka.MaxBytes),
			pkgkafka.WithConsumerDialTimeout(cfg.Kafka.DialTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		consumer.SetAckRecorder(rec)
		return consumer, nil
	default:
		client, err := pkgnats.NewClient(l,
			pkgnats.WithServers(cfg.NATS.Servers),
			pkgnats.WithCredentials(cfg.NATS.User, cfg.NATS.Password),
			pkgnats.WithClientName(cfg.NATS.ClientName),
			pkgnats.WithTimeouts(cfg.NATS.ConnectTimeout, cfg.NATS.ReconnectWait),
			pkgnats.WithStream(cfg.NATS.Stream, cfg.Subjects()),
			pkgnats.WithDurable(cfg.NATS.DurableName),
			pkgnats.WithInactiveThreshold(cfg.NATS.InactiveThreshold),
			pkgnats.WithAckWait(cfg.NATS.AckWait),
			pkgnats.WithMaxAckPending(cfg.NATS.MaxAckPending),
			pkgnats.WithMaxDeliver(cfg.NATS.MaxDeliver),
		)
		if err != nil {
			return nil, fmt.Errorf("nats client: %w", err)
		}
		client.SetAckRecorder(rec)
		return client, nil
	}
}

// ProvideListeners creates the feed server and, unless disabled with port 0,
// the metrics server.
func ProvideListeners(cfg *config.Config, l *applogger.Logger, rec *metrics.Recorder, feed *api.FeedHandler) server.Listeners {
	ls := server.Listeners{
		Feed: xhttp.NewServer(l, feed,
			xhttp.WithName("http"),
			xhttp.WithPort(cfg.Server.Port),
			xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
			xhttp.WithCORS(true),
			xhttp.WithMetrics(rec, cfg.Server.WriteTimeout/2),
		),
	}
	if cfg.Server.MetricsPort > 0 {
		ls.Metrics = xhttp.NewServer(l, xhttp.NewMetricsHandler(rec.Handler()),
			xhttp.WithName("metrics"),
			xhttp.WithPort(cfg.Server.MetricsPort),
			xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		)
	}
	return ls
}

// ProvideApp creates the application server.
func ProvideApp(
	l *applogger.Logger,
	source bus.Source,
	handler *usecase.TripUpdatesHandler,
	cache *usecase.SnapshotCache,
	agg *aggregator.Store,
	listeners server.Listeners,
) *server.App {
	return server.New(l, source, handler, cache, agg, listeners)
}
