//go:build wireinject
// +build wireinject

package di

import (
	"GtfsRtFeed/internal/aggregator"
	"GtfsRtFeed/internal/domain/repository"
	"GtfsRtFeed/internal/handler/api"
	"GtfsRtFeed/internal/usecase"
	"GtfsRtFeed/pkg/compress"
	"GtfsRtFeed/pkg/config"
	applogger "GtfsRtFeed/pkg/logger"
	"GtfsRtFeed/pkg/metrics"
	"GtfsRtFeed/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config, l *applogger.Logger) (*server.App, func(), error) {
	wire.Build(
		// Metrics
		ProvideMetrics,
		wire.Bind(new(repository.Metrics), new(*metrics.Recorder)),

		// Domain
		ProvideAggregator,
		wire.Bind(new(repository.Aggregator), new(*aggregator.Store)),
		ProvideEncoder,
		wire.Bind(new(usecase.Encoder), new(*compress.Encoder)),

		// Use cases
		ProvideSnapshotCache,
		wire.Bind(new(repository.SnapshotSource), new(*usecase.SnapshotCache)),
		ProvideHealthEvaluator,
		wire.Bind(new(api.HealthChecker), new(*usecase.HealthEvaluator)),
		ProvideTripUpdatesHandler,

		// Transport
		ProvideBusSource,
		ProvideFeedHandler,
		ProvideListeners,

		// Application server
		ProvideApp,
	)
	return nil, nil, nil
}
