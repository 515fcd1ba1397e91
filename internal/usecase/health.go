package usecase

import (
	"time"

	"GtfsRtFeed/internal/domain/models"
	drepo "GtfsRtFeed/internal/domain/repository"
)

// HealthEvaluator derives liveness from snapshot age and dataset size.
type HealthEvaluator struct {
	snapshots drepo.SnapshotSource
	agg       drepo.Aggregator
	metrics   drepo.Metrics
	threshold time.Duration
	now       func() time.Time
}

func NewHealthEvaluator(snapshots drepo.SnapshotSource, agg drepo.Aggregator, metrics drepo.Metrics, threshold time.Duration) *HealthEvaluator {
	return &HealthEvaluator{
		snapshots: snapshots,
		agg:       agg,
		metrics:   metrics,
		threshold: threshold,
		now:       time.Now,
	}
}

// Evaluate reports healthy when a snapshot exists, is no older than the
// threshold and the dataset is not empty.
func (h *HealthEvaluator) Evaluate() models.HealthStatus {
	st := models.HealthStatus{Entities: h.agg.Size()}
	if snap := h.snapshots.Current(); snap != nil {
		st.Age = h.now().Sub(snap.LastModified)
		st.Healthy = st.Age <= h.threshold && st.Entities > 0
	}
	h.metrics.RecordHealthCheck(st.Healthy)
	return st
}
