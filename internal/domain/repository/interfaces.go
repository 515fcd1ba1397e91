package repository

import (
	"context"
	"time"

	"GtfsRtFeed/internal/domain/models"
)

// Aggregator folds differential updates into a full dataset.
type Aggregator interface {
	Apply(ctx context.Context, e *models.UpdateEntity) error
	// Snapshot returns the serialized dataset and the entity count read in
	// the same pass.
	Snapshot() ([]byte, int, error)
	Size() int
	// Changes signals after the dataset changed. Bursts may collapse into
	// a single notification.
	Changes() <-chan struct{}
}

// SnapshotSource exposes the current published snapshot, nil before the first.
type SnapshotSource interface {
	Current() *models.Snapshot
}

type Metrics interface {
	RecordReceived()
	RecordAck()
	RecordError(stage string)
	RecordApplyLatency(seconds float64)
	RecordRegeneration(seconds float64, entities int, sizes map[string]int, lastModified time.Time)
	RecordRegenerationError()
	RecordFeedRequest()
	RecordHealthCheck(healthy bool)
}
