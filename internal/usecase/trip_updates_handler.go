package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"GtfsRtFeed/internal/domain/models"
	drepo "GtfsRtFeed/internal/domain/repository"
	"GtfsRtFeed/pkg/bus"
)

var ErrDecode = errors.New("cannot decode trip update")

var jsonOpts = protojson.UnmarshalOptions{DiscardUnknown: true}

// TripUpdatesHandler decodes bus messages into update entities and hands
// them to the aggregator. A nil return lets the bus acknowledge.
type TripUpdatesHandler struct {
	agg     drepo.Aggregator
	metrics drepo.Metrics
}

func NewTripUpdatesHandler(agg drepo.Aggregator, metrics drepo.Metrics) *TripUpdatesHandler {
	return &TripUpdatesHandler{agg: agg, metrics: metrics}
}

// Handle processes one message. Errors leave the message unacknowledged.
func (h *TripUpdatesHandler) Handle(ctx context.Context, m *bus.Message) error {
	h.metrics.RecordReceived()
	start := time.Now()

	tu, err := DecodeTripUpdate(m.Data, m.ContentType)
	if err != nil {
		h.metrics.RecordError("decode")
		return err
	}

	received := m.Received
	if received.IsZero() {
		received = start
	}
	entity := &models.UpdateEntity{
		ID:         models.EntityID(received, m.Sequence),
		TripUpdate: tu,
		Subject:    m.Subject,
		Received:   received,
	}
	if err := h.agg.Apply(ctx, entity); err != nil {
		h.metrics.RecordError("apply")
		return fmt.Errorf("apply %s: %w", entity.ID, err)
	}

	h.metrics.RecordApplyLatency(time.Since(start).Seconds())
	return nil
}

// DecodeTripUpdate parses a TripUpdate from protobuf when contentType says
// so, from JSON otherwise.
func DecodeTripUpdate(data []byte, contentType string) (*gtfs.TripUpdate, error) {
	tu := &gtfs.TripUpdate{}
	var err error
	if contentType == bus.ContentTypeProtobuf {
		err = proto.Unmarshal(data, tu)
	} else {
		err = jsonOpts.Unmarshal(data, tu)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return tu, nil
}
